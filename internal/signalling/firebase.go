package signalling

import (
	"context"
	"errors"
	"fmt"
	"time"

	"kvmmount/internal/config"
	"kvmmount/pkg/utils"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/db"
	"github.com/rs/zerolog"
	"google.golang.org/api/option"
)

var ErrAnswerTimeout = errors.New("timeout waiting for answer")

const (
	defaultPollInterval = 2 * time.Second
	defaultAnswerWait   = time.Minute
)

// Session is one offer/answer exchange stored under the device's node.
// Vanilla ICE only: the offer and answer carry every candidate.
type Session struct {
	ID        string `json:"sessionId"`
	Offer     string `json:"offer"`
	Answer    string `json:"answer"`
	CreatedAt int64  `json:"createdAt"`
}

// sessionStore is the subset of a Realtime Database reference the relay uses.
// Paths are relative to the device's sessions node.
type sessionStore interface {
	Set(ctx context.Context, path string, v any) error
	Get(ctx context.Context, path string, v any) error
	Update(ctx context.Context, path string, fields map[string]any) error
	Delete(ctx context.Context, path string) error
}

// FirebaseRelay exchanges session descriptions through Firebase Realtime
// Database when the device is not directly reachable
type FirebaseRelay struct {
	store        sessionStore
	logger       zerolog.Logger
	pollInterval time.Duration
	answerWait   time.Duration
}

// NewFirebaseRelay connects to the database and scopes the relay to devices/<id>/sessions
func NewFirebaseRelay(ctx context.Context, cfg *config.FirebaseConfig, logger zerolog.Logger) (*FirebaseRelay, error) {
	opt := option.WithCredentialsFile(cfg.CredentialsPath)

	app, err := firebase.NewApp(ctx, &firebase.Config{DatabaseURL: cfg.DatabaseURL}, opt)
	if err != nil {
		return nil, fmt.Errorf("error initializing Firebase app: %w", err)
	}

	client, err := app.Database(ctx)
	if err != nil {
		return nil, fmt.Errorf("error getting database client: %w", err)
	}

	ref := client.NewRef("devices").Child(cfg.DeviceID).Child("sessions")
	return newFirebaseRelay(firebaseStore{ref: ref}, logger), nil
}

func newFirebaseRelay(store sessionStore, logger zerolog.Logger) *FirebaseRelay {
	return &FirebaseRelay{
		store:        store,
		logger:       logger.With().Str("component", "firebase-relay").Logger(),
		pollInterval: defaultPollInterval,
		answerWait:   defaultAnswerWait,
	}
}

// Exchange publishes the offer as a new session and polls until the device answers.
// The session is removed afterwards whatever the outcome.
func (f *FirebaseRelay) Exchange(ctx context.Context, offer string) (string, error) {
	code, err := utils.GenerateCode(8)
	if err != nil {
		return "", fmt.Errorf("error generating session code: %w", err)
	}

	session := Session{ID: code, Offer: offer, CreatedAt: time.Now().Unix()}
	if err := f.store.Set(ctx, code, session); err != nil {
		return "", fmt.Errorf("error creating session: %w", err)
	}
	f.logger.Info().Str("session", code).Msg("offer published")

	defer func() {
		if err := f.store.Delete(context.Background(), code); err != nil {
			f.logger.Warn().Err(err).Str("session", code).Msg("failed to delete session")
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, f.answerWait)
	defer cancel()

	ticker := time.NewTicker(f.pollInterval)
	defer ticker.Stop()
	for {
		var current Session
		if err := f.store.Get(ctx, code, &current); err != nil {
			f.logger.Debug().Err(err).Str("session", code).Msg("poll failed")
		} else if current.Answer != "" {
			return current.Answer, nil
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return "", ErrAnswerTimeout
			}
			return "", ctx.Err()
		}
	}
}

// Serve answers pending sessions for this device until ctx is done. answer
// turns an encoded offer into an encoded answer.
func (f *FirebaseRelay) Serve(ctx context.Context, answer func(ctx context.Context, offer string) (string, error)) error {
	ticker := time.NewTicker(f.pollInterval)
	defer ticker.Stop()
	for {
		if err := f.answerPending(ctx, answer); err != nil {
			f.logger.Warn().Err(err).Msg("failed to answer sessions")
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (f *FirebaseRelay) answerPending(ctx context.Context, answer func(ctx context.Context, offer string) (string, error)) error {
	var sessions map[string]Session
	if err := f.store.Get(ctx, "", &sessions); err != nil {
		return fmt.Errorf("error listing sessions: %w", err)
	}

	for code, session := range sessions {
		if session.Offer == "" || session.Answer != "" {
			continue
		}
		encoded, err := answer(ctx, session.Offer)
		if err != nil {
			f.logger.Warn().Err(err).Str("session", code).Msg("failed to answer offer")
			continue
		}
		if err := f.store.Update(ctx, code, map[string]any{"answer": encoded}); err != nil {
			return fmt.Errorf("error updating answer for session %s: %w", code, err)
		}
		f.logger.Info().Str("session", code).Msg("answer published")
	}
	return nil
}

type firebaseStore struct {
	ref *db.Ref
}

func (s firebaseStore) child(path string) *db.Ref {
	if path == "" {
		return s.ref
	}
	return s.ref.Child(path)
}

func (s firebaseStore) Set(ctx context.Context, path string, v any) error {
	return s.child(path).Set(ctx, v)
}

func (s firebaseStore) Get(ctx context.Context, path string, v any) error {
	return s.child(path).Get(ctx, v)
}

func (s firebaseStore) Update(ctx context.Context, path string, fields map[string]any) error {
	return s.child(path).Update(ctx, fields)
}

func (s firebaseStore) Delete(ctx context.Context, path string) error {
	return s.child(path).Delete(ctx)
}
