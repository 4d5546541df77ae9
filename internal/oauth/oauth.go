// Package oauth provides the OAuth2 authorization flow for connecting a
// provider account.
package oauth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/http"
	"os/exec"
	"runtime"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/loomsuite/mailroom/internal/config"
)

// Scopes cover mail reading and calendar reading; both surfaces share one
// grant so a single refresh token serves every provider call.
var Scopes = []string{
	"https://www.googleapis.com/auth/gmail.readonly",
	"https://www.googleapis.com/auth/calendar.readonly",
}

const (
	redirectPort = "8089"
	callbackPath = "/callback"
)

// Flow handles the interactive authorization of a new provider connection.
type Flow struct {
	config *oauth2.Config
	logger *slog.Logger
}

// NewFlow builds an authorization flow from provider credentials.
func NewFlow(cfg config.ProviderConfig, logger *slog.Logger) (*Flow, error) {
	if cfg.ClientID == "" || cfg.ClientSecret == "" {
		return nil, fmt.Errorf("provider client_id and client_secret must be set in config.toml")
	}
	if logger == nil {
		logger = slog.Default()
	}

	redirectURL := cfg.RedirectURL
	if redirectURL == "" {
		redirectURL = "http://localhost:" + redirectPort + callbackPath
	}

	return &Flow{
		config: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  redirectURL,
			Scopes:       Scopes,
			Endpoint:     google.Endpoint,
		},
		logger: logger,
	}, nil
}

// Config returns the underlying oauth2 config, used by the token refresher.
func (f *Flow) Config() *oauth2.Config {
	return f.config
}

// newCallbackHandler returns an HTTP handler that processes the OAuth callback.
func (f *Flow) newCallbackHandler(expectedState string, codeChan chan<- string, errChan chan<- error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("state") != expectedState {
			errChan <- fmt.Errorf("state mismatch: possible CSRF attack")
			fmt.Fprintf(w, "Error: state mismatch")
			return
		}
		code := r.URL.Query().Get("code")
		if code == "" {
			errChan <- fmt.Errorf("no code in callback")
			fmt.Fprintf(w, "Error: no authorization code received")
			return
		}
		codeChan <- code
		fmt.Fprintf(w, "Authorization successful! You can close this window.")
	}
}

// Authorize opens a browser for OAuth authorization and returns the issued
// token, including the refresh token, once the user completes the flow.
func (f *Flow) Authorize(ctx context.Context) (*oauth2.Token, error) {
	// Generate random state for CSRF protection
	stateBytes := make([]byte, 16)
	if _, err := rand.Read(stateBytes); err != nil {
		return nil, fmt.Errorf("generate state: %w", err)
	}
	state := base64.URLEncoding.EncodeToString(stateBytes)

	// Start local server for callback
	codeChan := make(chan string, 1)
	errChan := make(chan error, 1)

	mux := http.NewServeMux()
	mux.Handle(callbackPath, f.newCallbackHandler(state, codeChan, errChan))
	server := &http.Server{Addr: "localhost:" + redirectPort, Handler: mux}

	go func() {
		if err := server.ListenAndServe(); err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	defer func() { _ = server.Shutdown(ctx) }()

	authURL := f.config.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)

	// Open browser
	fmt.Printf("Opening browser for authorization...\n")
	fmt.Printf("If browser doesn't open, visit:\n%s\n\n", authURL)

	if err := openBrowser(authURL); err != nil {
		f.logger.Warn("failed to open browser", "error", err)
	}

	// Wait for callback
	select {
	case code := <-codeChan:
		tok, err := f.config.Exchange(ctx, code)
		if err != nil {
			return nil, fmt.Errorf("exchange code: %w", err)
		}
		if tok.RefreshToken == "" {
			return nil, fmt.Errorf("provider did not return a refresh token; revoke access and try again")
		}
		return tok, nil
	case err := <-errChan:
		return nil, err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// openBrowser opens the default browser to the given URL.
func openBrowser(url string) error {
	var cmd *exec.Cmd

	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", url)
	case "linux":
		cmd = exec.Command("xdg-open", url)
	case "windows":
		cmd = exec.Command("rundll32", "url.dll,FileProtocolHandler", url)
	default:
		return fmt.Errorf("unsupported platform: %s", runtime.GOOS)
	}

	return cmd.Start()
}
