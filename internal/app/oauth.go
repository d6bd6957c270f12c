package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/drive/v3"

	"github.com/semmidev/backt/internal/infrastructure/logger"
)

// DriveAuthorizer runs the one-off browser flow that yields the refresh token
// a gdrive upload target authenticates with.
type DriveAuthorizer struct {
	config *oauth2.Config
	logger *logger.Logger
	state  string
	server *http.Server
}

func NewDriveAuthorizer(log *logger.Logger, clientSecretPath string) (*DriveAuthorizer, error) {
	if log == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if clientSecretPath == "" {
		return nil, errors.New("client secret path cannot be empty")
	}

	b, err := os.ReadFile(clientSecretPath)
	if err != nil {
		return nil, fmt.Errorf("unable to read client secret: %w", err)
	}

	cfg, err := google.ConfigFromJSON(b, drive.DriveFileScope)
	if err != nil {
		return nil, fmt.Errorf("unable to parse client secret: %w", err)
	}

	return &DriveAuthorizer{config: cfg, logger: log, state: uuid.NewString()}, nil
}

func (a *DriveAuthorizer) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /auth/google/drive", func(w http.ResponseWriter, r *http.Request) {
		authURL := a.config.AuthCodeURL(a.state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
		http.Redirect(w, r, authURL, http.StatusTemporaryRedirect)
	})

	mux.HandleFunc("GET /auth/google/callback", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("state") != a.state {
			http.Error(w, "state mismatch", http.StatusBadRequest)
			return
		}
		code := r.URL.Query().Get("code")
		if code == "" {
			http.Error(w, "missing code parameter", http.StatusBadRequest)
			return
		}

		token, err := a.config.Exchange(r.Context(), code)
		if err != nil {
			http.Error(w, fmt.Sprintf("token exchange failed: %v", err), http.StatusInternalServerError)
			return
		}
		if token.RefreshToken == "" {
			fmt.Fprintln(w, "⚠️ No refresh token returned. Revoke app access & re-authorize.")
			return
		}

		fmt.Fprintf(w, "✅ Put this in the gdrive upload target as refresh_token:\n\n%s\n", token.RefreshToken)
	})

	return mux
}

// Serve blocks until ctx is cancelled.
func (a *DriveAuthorizer) Serve(ctx context.Context, addr string) error {
	a.server = &http.Server{
		Addr:              addr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Infof("Google Drive OAuth server listening on %s, open /auth/google/drive", addr)
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("OAuth server error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shutdown OAuth server: %w", err)
	}
	a.logger.Infof("OAuth server stopped")
	return nil
}
