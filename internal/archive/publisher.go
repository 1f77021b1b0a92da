package archive

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kalambet/papermill/internal/resilience"
)

// ErrPublish marks a paper that compiled but could not be published.
var ErrPublish = errors.New("publish failed")

// Archive is the four-step deposition protocol.
type Archive interface {
	CreateDeposit(ctx context.Context) (Deposit, error)
	UploadFile(ctx context.Context, d Deposit, name string, data []byte) error
	SetMetadata(ctx context.Context, d Deposit, md Metadata) error
	PublishDeposit(ctx context.Context, d Deposit) (Publication, error)
}

// PublishError is returned once every attempt failed.
type PublishError struct {
	Attempts int
	Err      error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publish failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *PublishError) Unwrap() []error { return []error{ErrPublish, e.Err} }

// PublishConfig bounds the retries. The delay before attempt n+1 is
// Base + n*Step.
type PublishConfig struct {
	Attempts int
	Base     time.Duration
	Step     time.Duration
	FileName string
}

func DefaultPublishConfig() PublishConfig {
	return PublishConfig{Attempts: 5, Base: 10 * time.Second, Step: 10 * time.Second, FileName: "paper.pdf"}
}

type Publisher struct {
	archive Archive
	cfg     PublishConfig
	sleep   resilience.SleepFunc
	logger  *slog.Logger
}

// PublisherOption configures a Publisher.
type PublisherOption func(*Publisher)

func WithSleep(fn resilience.SleepFunc) PublisherOption {
	return func(p *Publisher) { p.sleep = fn }
}

func WithLogger(l *slog.Logger) PublisherOption {
	return func(p *Publisher) { p.logger = l }
}

func NewPublisher(a Archive, cfg PublishConfig, opts ...PublisherOption) *Publisher {
	if cfg.Attempts < 1 {
		cfg.Attempts = 1
	}
	if cfg.FileName == "" {
		cfg.FileName = "paper.pdf"
	}
	p := &Publisher{archive: a, cfg: cfg, sleep: resilience.Sleep, logger: slog.Default()}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Publish runs create, upload, metadata and publish in order. A failure at
// any step abandons the attempt and the next attempt starts over with a new
// deposit; half-built deposits are never resumed.
func (p *Publisher) Publish(ctx context.Context, artifact []byte, md Metadata) (Publication, error) {
	var pub Publication
	err := resilience.Retry(ctx, resilience.RetryPolicy{
		Attempts: p.cfg.Attempts,
		Backoff:  resilience.Linear{Base: p.cfg.Base, Step: p.cfg.Step},
		Sleep:    p.sleep,
		Logger:   p.logger,
	}, "publish", func(ctx context.Context, attempt int) error {
		d, err := p.archive.CreateDeposit(ctx)
		if err != nil {
			return err
		}
		p.logger.Debug("deposit created", "deposit", d.ID, "attempt", attempt)
		name := md.FileName
		if name == "" {
			name = p.cfg.FileName
		}
		if err := p.archive.UploadFile(ctx, d, name, artifact); err != nil {
			return err
		}
		if err := p.archive.SetMetadata(ctx, d, md); err != nil {
			return err
		}
		out, err := p.archive.PublishDeposit(ctx, d)
		if err != nil {
			return err
		}
		pub = out
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return Publication{}, ctx.Err()
		}
		return Publication{}, &PublishError{Attempts: p.cfg.Attempts, Err: err}
	}
	p.logger.Info("published", "id", pub.ID, "link", pub.Link)
	return pub, nil
}
