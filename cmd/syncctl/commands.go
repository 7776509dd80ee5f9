package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"

	"ledgerlink.org/internal/app"
	"ledgerlink.org/internal/auth"
	"ledgerlink.org/internal/batch"
	"ledgerlink.org/internal/config"
	"ledgerlink.org/internal/ledger"
	"ledgerlink.org/internal/obs"
	"ledgerlink.org/internal/provider"
	"ledgerlink.org/internal/reconcile"
	"ledgerlink.org/internal/syncstate"
)

type Globals struct {
	EnvFile  []string `help:"Dotenv files to load." default:".env"`
	LogLevel string   `help:"Override LOG_LEVEL." placeholder:"LEVEL"`
}

func (g *Globals) config() (config.Config, error) {
	cfg, err := config.Load(g.EnvFile...)
	if err != nil {
		return config.Config{}, err
	}
	if g.LogLevel != "" {
		cfg.LogLevel = g.LogLevel
	}
	obs.SetLevel(cfg.LogLevel)
	return cfg, nil
}

// open wires the engine and returns a context cancelled on SIGINT or SIGTERM.
func (g *Globals) open() (context.Context, *app.App, func(), error) {
	cfg, err := g.config()
	if err != nil {
		return nil, nil, nil, err
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	a, err := app.New(ctx, cfg)
	if err != nil {
		stop()
		return nil, nil, nil, err
	}
	return ctx, a, func() { _ = a.Close(); stop() }, nil
}

type Target struct {
	Company  string `required:"" help:"Company id."`
	Provider string `required:"" help:"Provider id (holded, xero, gocardless, truelayer)."`
	Period   string `required:"" help:"Period as YYYY-MM."`
}

func (t Target) parse() (provider.ID, ledger.Period, error) {
	p, err := provider.ParseID(t.Provider)
	if err != nil {
		return "", ledger.Period{}, err
	}
	period, err := ledger.ParsePeriod(t.Period)
	if err != nil {
		return "", ledger.Period{}, err
	}
	return p, period, nil
}

type SyncCmd struct {
	Target
	Entity string `required:"" enum:"expense,invoice,payment" help:"Entity type."`
}

func (cmd *SyncCmd) Run(kctx *kong.Context, g *Globals) error {
	p, period, err := cmd.parse()
	if err != nil {
		return err
	}
	et, err := ledger.ParseEntityType(cmd.Entity)
	if err != nil {
		return err
	}
	ctx, a, done, err := g.open()
	if err != nil {
		return err
	}
	defer done()

	rep, err := a.Sync.Run(ctx, batch.Request{CompanyID: cmd.Company, Provider: p, EntityType: et, Period: period})
	if err != nil {
		return err
	}
	if err := printJSON(kctx.Stdout, rep); err != nil {
		return err
	}
	if rep.Aborted {
		return fmt.Errorf("batch aborted: %s", rep.Message)
	}
	return nil
}

type ReconcileCmd struct {
	Company  string `required:"" help:"Company id."`
	Provider string `help:"Banking provider id; every connected bank when empty."`
	Period   string `required:"" help:"Period as YYYY-MM."`
}

func (cmd *ReconcileCmd) Run(kctx *kong.Context, g *Globals) error {
	req := reconcile.Request{CompanyID: cmd.Company}
	if cmd.Provider != "" {
		p, err := provider.ParseID(cmd.Provider)
		if err != nil {
			return err
		}
		req.Provider = p
	}
	period, err := ledger.ParsePeriod(cmd.Period)
	if err != nil {
		return err
	}
	req.Period = period
	ctx, a, done, err := g.open()
	if err != nil {
		return err
	}
	defer done()

	rep, err := a.Reconcile.Run(ctx, req)
	if err != nil {
		return err
	}
	return printJSON(kctx.Stdout, rep)
}

type RecordsCmd struct {
	Company  string `required:"" help:"Company id."`
	Provider string `help:"Provider id."`
	Entity   string `help:"Entity type (expense, invoice, payment)."`
	Period   string `help:"Period as YYYY-MM."`
	Limit    int    `help:"Maximum rows." default:"100"`
}

func (cmd *RecordsCmd) Run(kctx *kong.Context, g *Globals) error {
	q := syncstate.Query{CompanyID: cmd.Company, Limit: cmd.Limit}
	if cmd.Provider != "" {
		p, err := provider.ParseID(cmd.Provider)
		if err != nil {
			return err
		}
		q.Provider = p
	}
	if cmd.Entity != "" {
		et, err := ledger.ParseEntityType(cmd.Entity)
		if err != nil {
			return err
		}
		q.EntityType = et
	}
	if cmd.Period != "" {
		period, err := ledger.ParsePeriod(cmd.Period)
		if err != nil {
			return err
		}
		q.Period = period
	}

	ctx, a, done, err := g.open()
	if err != nil {
		return err
	}
	defer done()

	recs, err := a.Tracker.List(ctx, q)
	if err != nil {
		return err
	}
	return printJSON(kctx.Stdout, recs)
}

type SweepCmd struct {
	Warn time.Duration `help:"Report consents lapsing within this window (default CONSENT_WARN_WITHIN)."`
}

func (cmd *SweepCmd) Run(kctx *kong.Context, g *Globals) error {
	ctx, a, done, err := g.open()
	if err != nil {
		return err
	}
	defer done()

	warn := cmd.Warn
	if warn <= 0 {
		warn = a.Config.ConsentWarn
	}
	rep, err := a.Consent.Sweep(ctx, time.Now().UTC(), warn)
	if err != nil {
		return err
	}
	return printJSON(kctx.Stdout, rep)
}

type TokenCmd struct {
	User    string        `required:"" help:"Token subject."`
	Company string        `help:"Company the token is scoped to."`
	Role    []string      `required:"" help:"Roles to grant."`
	TTL     time.Duration `help:"Token lifetime." default:"15m"`
}

func (cmd *TokenCmd) Run(kctx *kong.Context, g *Globals) error {
	cfg, err := g.config()
	if err != nil {
		return err
	}
	if cfg.AuthSecret != "" {
		auth.SetSecret(cfg.AuthSecret)
	}
	tok, err := auth.GenerateToken(cmd.User, cmd.Company, cmd.Role, cmd.TTL)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(kctx.Stdout, tok)
	return err
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
