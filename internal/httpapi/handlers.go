package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"ledgerlink.org/internal/batch"
	"ledgerlink.org/internal/consent"
	"ledgerlink.org/internal/obs"
	"ledgerlink.org/internal/provider"
	"ledgerlink.org/internal/reconcile"
	"ledgerlink.org/internal/stream"
	"ledgerlink.org/internal/syncstate"
)

const serviceName = "ledgerlink-api"

// ReadyProbe pings the backing stores that are configured.
type ReadyProbe struct {
	DB    *sql.DB
	Redis redis.UniversalClient
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB != nil {
		if err := rp.DB.PingContext(ctx); err != nil {
			return err
		}
	}
	if rp.Redis != nil {
		if err := rp.Redis.Ping(ctx).Err(); err != nil {
			return err
		}
	}
	return nil
}

type readinessChecker interface {
	Check(ctx context.Context) error
}

// Syncer runs one batch of ledger records against an accounting provider.
type Syncer interface {
	Run(ctx context.Context, req batch.Request) (batch.Report, error)
}

// Connections manages provider consents.
type Connections interface {
	Initiate(ctx context.Context, companyID string, p provider.ID, institutionID, redirectURL string) (consent.Initiation, error)
	CompleteAuthorization(ctx context.Context, consentID string, params map[string]string) (provider.Credential, error)
	ConsentOwner(ctx context.Context, consentID string) (string, error)
	Status(ctx context.Context, companyID string, p provider.ID) (consent.ConnectionStatus, error)
	Disconnect(ctx context.Context, companyID string, p provider.ID) error
}

type Reconciler interface {
	Run(ctx context.Context, req reconcile.Request) (reconcile.Report, error)
}

// Records is the read side of the sync state.
type Records interface {
	GetStatus(ctx context.Context, k syncstate.Key) (syncstate.Record, error)
	List(ctx context.Context, q syncstate.Query) ([]syncstate.Record, error)
}

var (
	_ Syncer      = (*batch.Orchestrator)(nil)
	_ Connections = (*consent.Manager)(nil)
	_ Reconciler  = (*reconcile.Service)(nil)
	_ Records     = (syncstate.Tracker)(nil)
)

// Deps wires the HTTP layer; nil services leave their routes answering 503.
type Deps struct {
	Ready       readinessChecker
	Version     string
	Sync        Syncer
	Connections Connections
	Reconcile   Reconciler
	Records     Records
	Stream      *stream.Stream
	// DevTokens enables the unauthenticated token endpoint for local runs.
	DevTokens bool
}

// API is the HTTP layer.
type API struct {
	mux        *http.ServeMux
	ready      readinessChecker
	version    string
	sync       Syncer
	conns      Connections
	reconciler Reconciler
	records    Records
	stream     *stream.Stream
	devTokens  bool
	rateBurst  int
	ratePerSec int
}

func New(d Deps) *API {
	a := &API{
		mux:        http.NewServeMux(),
		ready:      d.Ready,
		version:    d.Version,
		sync:       d.Sync,
		conns:      d.Connections,
		reconciler: d.Reconcile,
		records:    d.Records,
		stream:     d.Stream,
		devTokens:  d.DevTokens,
		rateBurst:  20,
		ratePerSec: 10,
	}
	if a.ready == nil {
		a.ready = ReadyProbe{}
	}

	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)
	a.mux.Handle("/metrics", obs.Handler())

	a.mux.Handle("/v1/auth/token", a.tokenHandler())

	a.mux.HandleFunc("/v1/sync", a.handleSync)
	a.mux.HandleFunc("/v1/sync/events", a.Stream)
	a.mux.HandleFunc("/v1/sync/records", a.handleSyncRecords)
	a.mux.HandleFunc("/v1/sync/records/", a.handleSyncRecord)

	a.mux.HandleFunc("/v1/connect", a.handleConnect)
	a.mux.HandleFunc("/v1/connect/complete", a.handleConnectComplete)
	a.mux.HandleFunc("/v1/connection-status", a.handleConnectionStatus)
	a.mux.HandleFunc("/v1/disconnect", a.handleDisconnect)

	a.mux.HandleFunc("/v1/reconcile", a.handleReconcile)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "resource not found")
	})
	return a
}

// Handler returns the fully wrapped handler.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = a.withAuth(h)
	h = RateLimit(h, a.rateBurst, a.ratePerSec)
	h = CORS(h)
	h = SecurityHeaders(h)
	h = LoggingJSON(h)
	h = RequestID(h)
	return obs.Instrument(h)
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := a.ready.Check(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    serviceName,
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
