package config

import (
	"fmt"
	"net/http"
	"time"

	"ledgerlink.org/internal/credentials"
	"ledgerlink.org/internal/provider"
	"ledgerlink.org/internal/provider/accounting"
	"ledgerlink.org/internal/provider/banking"
)

const sealInfo = "ledgerlink credentials v1"

// Sealer derives the credential sealing key from SealKey.
func (c Config) Sealer() (credentials.Sealer, error) {
	if len(c.SealKey) == 0 {
		return nil, fmt.Errorf("%w: LEDGERLINK_SEAL_KEY is required", ErrInvalid)
	}
	key, err := credentials.DeriveKey(c.SealKey, sealInfo)
	if err != nil {
		return nil, err
	}
	return credentials.NewXChaCha(key)
}

// Registry builds the adapter registry. hc may be nil.
func (c Config) Registry(hc *http.Client) *provider.Registry {
	if hc == nil {
		hc = &http.Client{Timeout: c.Sync.CallTimeout + 5*time.Second}
	}
	return provider.NewRegistry(
		accounting.NewHolded(accounting.HoldedConfig{BaseURL: c.HoldedAPIURL, HTTPClient: hc}),
		accounting.NewXero(accounting.XeroConfig{
			ClientID:     c.Xero.ClientID,
			ClientSecret: provider.Secret(c.Xero.ClientSecret),
			APIURL:       c.Xero.APIURL,
			AuthURL:      c.Xero.AuthURL,
			TokenURL:     c.Xero.TokenURL,
			HTTPClient:   hc,
		}),
		banking.NewGoCardless(banking.GoCardlessConfig{
			BaseURL:    c.GoCardless.BaseURL,
			SecretID:   c.GoCardless.SecretID,
			SecretKey:  provider.Secret(c.GoCardless.SecretKey),
			HTTPClient: hc,
		}),
		banking.NewTrueLayer(banking.TrueLayerConfig{
			ClientID:     c.TrueLayer.ClientID,
			ClientSecret: provider.Secret(c.TrueLayer.ClientSecret),
			APIURL:       c.TrueLayer.APIURL,
			AuthURL:      c.TrueLayer.AuthURL,
			TokenURL:     c.TrueLayer.TokenURL,
			HTTPClient:   hc,
		}),
	)
}
