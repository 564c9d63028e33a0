package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"keygate/internal/config"
	"keygate/internal/exporter"
	"keygate/internal/infrastructure"
	"keygate/internal/license"
	"keygate/internal/lookup"
)

// Event types published on the key feed
const (
	EventKeyIssued     = "key.issued"
	EventKeyActivated  = "key.activated"
	EventScanCompleted = "scan.completed"
	EventKeyExhausted  = "key.exhausted"
	EventFlagsReloaded = "flags.reloaded"
)

// EventPublisher receives key lifecycle events. Publish must not block.
type EventPublisher interface {
	Publish(ctx context.Context, eventType string, data interface{})
}

// KeyMirror copies issued keys to a secondary destination
type KeyMirror interface {
	AppendKey(ctx context.Context, rec license.KeyRecord) error
}

// KeyService provides the key issuance, activation and metered scan operations
type KeyService interface {
	GenerateKey(ctx context.Context, entitlementClass string) (*GeneratedKey, error)
	ActivateKey(ctx context.Context, key string) (*ActivationResult, error)
	ScanSubject(ctx context.Context, subjectID, key string) (*ScanResult, error)

	// Operator views
	ListKeys(ctx context.Context) []KeySummary
	GetKey(ctx context.Context, key string) (*KeySummary, error)
	ExportKeys(ctx context.Context, w io.Writer, format exporter.Format, opts exporter.Options) error
	Stats(ctx context.Context) KeyStats
	ReloadFlags(ctx context.Context, path string) error
}

// GeneratedKey is the result of issuing a key
type GeneratedKey struct {
	Key              string    `json:"key"`
	EntitlementClass string    `json:"entitlement_class"`
	UsageLimit       int       `json:"usage_limit"`
	Unlimited        bool      `json:"unlimited"`
	CreatedAt        time.Time `json:"created_at"`
}

// ActivationResult describes a key without consuming it
type ActivationResult struct {
	EntitlementClass string `json:"entitlement_class"`
	UsageCount       int    `json:"usage_count"`
	Limit            int    `json:"limit"`
	Remaining        int    `json:"remaining"`
	Unlimited        bool   `json:"unlimited"`
}

// ScanResult is a successful metered lookup
type ScanResult struct {
	SubjectID        string         `json:"subject_id"`
	Subject          lookup.Subject `json:"subject"`
	Flags            lookup.Flags   `json:"flags"`
	EntitlementClass string         `json:"entitlement_class"`
	UsageCount       int            `json:"usage_count"`
	UsageLimit       int            `json:"usage_limit"`
	Remaining        int            `json:"remaining"`
	Unlimited        bool           `json:"unlimited"`
}

// KeySummary is the operator view of one record
type KeySummary struct {
	Key              string    `json:"key"`
	EntitlementClass string    `json:"entitlement_class"`
	UsageCount       int       `json:"usage_count"`
	UsageLimit       int       `json:"usage_limit"`
	Remaining        int       `json:"remaining"`
	Unlimited        bool      `json:"unlimited"`
	Exhausted        bool      `json:"exhausted"`
	CreatedAt        time.Time `json:"created_at"`
}

// KeyStats aggregates the store for health reporting
type KeyStats struct {
	Total     int            `json:"total"`
	Exhausted int            `json:"exhausted"`
	ByClass   map[string]int `json:"by_class"`
}

// KeyServiceDeps holds the collaborators of the key service. Metrics, Events
// and Mirror are optional.
type KeyServiceDeps struct {
	Catalog    *license.Catalog
	Store      *license.Store
	Guard      *license.Guard
	Gateway    lookup.Gateway
	Classifier *lookup.Classifier
	Metrics    *license.Metrics
	Events     EventPublisher
	Mirror     KeyMirror
	Logger     *slog.Logger

	// Generate defaults to license.Generate
	Generate func(entitlementClass string) (string, error)
	// MaxGenerateAttempts bounds retries on a key collision
	MaxGenerateAttempts int
}

type keyService struct {
	catalog     *license.Catalog
	store       *license.Store
	guard       *license.Guard
	gateway     lookup.Gateway
	classifier  *lookup.Classifier
	metrics     *license.Metrics
	events      EventPublisher
	mirror      KeyMirror
	logger      *slog.Logger
	tracer      trace.Tracer
	generate    func(string) (string, error)
	maxAttempts int
}

// NewKeyService creates the key service
func NewKeyService(deps KeyServiceDeps) KeyService {
	logger := deps.Logger
	if logger == nil {
		logger = infrastructure.GetLogger()
	}
	attempts := deps.MaxGenerateAttempts
	if attempts <= 0 {
		attempts = config.GenerateMaxAttempts
	}
	generate := deps.Generate
	if generate == nil {
		generate = license.Generate
	}
	classifier := deps.Classifier
	if classifier == nil {
		classifier = lookup.NewClassifier(nil, nil, lookup.Counts{})
	}

	return &keyService{
		catalog:     deps.Catalog,
		store:       deps.Store,
		guard:       deps.Guard,
		gateway:     deps.Gateway,
		classifier:  classifier,
		metrics:     deps.Metrics,
		events:      deps.Events,
		mirror:      deps.Mirror,
		logger:      logger.With(slog.String("service", "key")),
		tracer:      otel.Tracer("keygate/services"),
		generate:    generate,
		maxAttempts: attempts,
	}
}

func (s *keyService) publish(ctx context.Context, eventType string, data interface{}) {
	if s.events != nil {
		s.events.Publish(ctx, eventType, data)
	}
}

// GenerateKey issues a new key for entitlementClass. The usage limit is
// captured from the catalog now and never recomputed.
func (s *keyService) GenerateKey(ctx context.Context, entitlementClass string) (*GeneratedKey, error) {
	ctx, span := s.tracer.Start(ctx, "key_service.generate_key")
	defer span.End()

	class := strings.TrimSpace(entitlementClass)
	if class == "" {
		return nil, fmt.Errorf("entitlement class: %w", license.ErrMissingParameter)
	}
	span.SetAttributes(attribute.String("entitlement_class", class))

	limit, err := s.catalog.Resolve(class)
	if err != nil {
		return nil, err
	}

	var rec license.KeyRecord
	for attempt := 1; ; attempt++ {
		key, err := s.generate(class)
		if err != nil {
			infrastructure.RecordError(ctx, err)
			return nil, fmt.Errorf("failed to generate key: %w", err)
		}

		rec = license.KeyRecord{
			Key:              key,
			EntitlementClass: class,
			UsageLimit:       limit,
			CreatedAt:        time.Now().UTC(),
		}
		err = s.store.Insert(ctx, rec)
		if err == nil {
			break
		}
		if errors.Is(err, license.ErrDuplicateKey) && attempt < s.maxAttempts {
			s.logger.WarnContext(ctx, "generated key collided, retrying",
				slog.Int("attempt", attempt))
			continue
		}

		infrastructure.RecordError(ctx, err)
		s.logger.ErrorContext(ctx, "failed to store new key",
			slog.String("entitlement_class", class),
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()))
		return nil, err
	}

	s.metrics.RecordIssued(ctx, class)
	s.logger.InfoContext(ctx, "key issued",
		slog.String("key", license.MaskKey(rec.Key)),
		slog.String("entitlement_class", class),
		slog.Int("usage_limit", limit))

	s.publish(ctx, EventKeyIssued, map[string]interface{}{
		"key":               license.MaskKey(rec.Key),
		"entitlement_class": class,
		"usage_limit":       limit,
	})

	if s.mirror != nil {
		if err := s.mirror.AppendKey(context.WithoutCancel(ctx), rec); err != nil {
			s.logger.WarnContext(ctx, "failed to mirror issued key",
				slog.String("key", license.MaskKey(rec.Key)),
				slog.String("error", err.Error()))
		}
	}

	return &GeneratedKey{
		Key:              rec.Key,
		EntitlementClass: rec.EntitlementClass,
		UsageLimit:       rec.UsageLimit,
		Unlimited:        rec.Unlimited(),
		CreatedAt:        rec.CreatedAt,
	}, nil
}

// ActivateKey reports the state of key. It never changes usage.
func (s *keyService) ActivateKey(ctx context.Context, key string) (*ActivationResult, error) {
	ctx, span := s.tracer.Start(ctx, "key_service.activate_key")
	defer span.End()

	key = license.NormalizeKey(key)
	if key == "" {
		return nil, fmt.Errorf("key: %w", license.ErrMissingParameter)
	}

	rec, err := s.find(key)
	if err != nil {
		s.metrics.RecordActivation(ctx, license.Code(err))
		return nil, err
	}

	s.metrics.RecordActivation(ctx, "success")
	s.logger.InfoContext(ctx, "key activated",
		slog.String("key", license.MaskKey(key)),
		slog.String("entitlement_class", rec.EntitlementClass),
		slog.Int("remaining", rec.Remaining()))

	s.publish(ctx, EventKeyActivated, map[string]interface{}{
		"key":               license.MaskKey(key),
		"entitlement_class": rec.EntitlementClass,
		"remaining":         rec.Remaining(),
	})

	return &ActivationResult{
		EntitlementClass: rec.EntitlementClass,
		UsageCount:       rec.UsageCount,
		Limit:            rec.UsageLimit,
		Remaining:        rec.Remaining(),
		Unlimited:        rec.Unlimited(),
	}, nil
}

// find checks the key shape before touching the store, so malformed input
// and unknown keys both surface as ErrInvalidKey.
func (s *keyService) find(key string) (license.KeyRecord, error) {
	if err := license.ValidateFormat(key); err != nil {
		return license.KeyRecord{}, err
	}
	rec, err := s.store.Find(key)
	if errors.Is(err, license.ErrNotFound) {
		return license.KeyRecord{}, fmt.Errorf("%s: %w", license.MaskKey(key), license.ErrInvalidKey)
	}
	return rec, err
}

// ScanSubject looks up subjectID and charges one unit to key, in that order:
// the unit is spent only if the lookup succeeded.
func (s *keyService) ScanSubject(ctx context.Context, subjectID, key string) (*ScanResult, error) {
	ctx, span := s.tracer.Start(ctx, "key_service.scan_subject")
	defer span.End()

	subjectID = strings.TrimSpace(subjectID)
	key = license.NormalizeKey(key)

	var missing []string
	if subjectID == "" {
		missing = append(missing, "subject_id")
	}
	if key == "" {
		missing = append(missing, "key")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%s: %w", strings.Join(missing, ", "), license.ErrMissingParameter)
	}
	if err := license.ValidateFormat(key); err != nil {
		return nil, err
	}

	var subject *lookup.Subject
	rec, err := s.guard.AuthorizeAndConsume(ctx, key, func(ctx context.Context) error {
		sub, err := s.gateway.Lookup(ctx, subjectID)
		if err != nil {
			return fmt.Errorf("%w: %w", license.ErrLookupFailed, err)
		}
		subject = sub
		return nil
	})
	if err != nil {
		infrastructure.RecordError(ctx, err)
		var quotaErr *license.QuotaError
		if errors.As(err, &quotaErr) {
			s.publish(ctx, EventKeyExhausted, map[string]interface{}{
				"key":               license.MaskKey(key),
				"entitlement_class": quotaErr.Record.EntitlementClass,
				"usage_count":       quotaErr.Record.UsageCount,
				"usage_limit":       quotaErr.Record.UsageLimit,
			})
		}
		return nil, err
	}

	flags := s.classifier.Classify(subjectID)
	span.SetAttributes(
		attribute.String("entitlement_class", rec.EntitlementClass),
		attribute.Bool("flagged", flags.Flagged),
	)

	s.logger.InfoContext(ctx, "scan completed",
		slog.String("key", license.MaskKey(key)),
		slog.String("entitlement_class", rec.EntitlementClass),
		slog.Int("remaining", rec.Remaining()),
		slog.Bool("flagged", flags.Flagged),
		slog.Bool("secondary_flagged", flags.SecondaryFlagged))

	s.publish(ctx, EventScanCompleted, map[string]interface{}{
		"key":               license.MaskKey(key),
		"entitlement_class": rec.EntitlementClass,
		"remaining":         rec.Remaining(),
		"flagged":           flags.Flagged,
		"secondary_flagged": flags.SecondaryFlagged,
	})

	resolvedID := subject.RawID
	if resolvedID == "" {
		resolvedID = subjectID
	}

	return &ScanResult{
		SubjectID:        resolvedID,
		Subject:          *subject,
		Flags:            flags,
		EntitlementClass: rec.EntitlementClass,
		UsageCount:       rec.UsageCount,
		UsageLimit:       rec.UsageLimit,
		Remaining:        rec.Remaining(),
		Unlimited:        rec.Unlimited(),
	}, nil
}

func summarize(rec license.KeyRecord, mask bool) KeySummary {
	key := rec.Key
	if mask {
		key = license.MaskKey(key)
	}
	return KeySummary{
		Key:              key,
		EntitlementClass: rec.EntitlementClass,
		UsageCount:       rec.UsageCount,
		UsageLimit:       rec.UsageLimit,
		Remaining:        rec.Remaining(),
		Unlimited:        rec.Unlimited(),
		Exhausted:        !rec.HasQuota(),
		CreatedAt:        rec.CreatedAt,
	}
}

// ListKeys returns every record in issuance order with masked keys
func (s *keyService) ListKeys(ctx context.Context) []KeySummary {
	records := s.store.Snapshot()
	out := make([]KeySummary, 0, len(records))
	for _, rec := range records {
		out = append(out, summarize(rec, true))
	}
	return out
}

// GetKey returns one record, unmasked
func (s *keyService) GetKey(ctx context.Context, key string) (*KeySummary, error) {
	key = license.NormalizeKey(key)
	if key == "" {
		return nil, fmt.Errorf("key: %w", license.ErrMissingParameter)
	}
	rec, err := s.find(key)
	if err != nil {
		return nil, err
	}
	summary := summarize(rec, false)
	return &summary, nil
}

// ExportKeys writes the current inventory to w
func (s *keyService) ExportKeys(ctx context.Context, w io.Writer, format exporter.Format, opts exporter.Options) error {
	ctx, span := s.tracer.Start(ctx, "key_service.export_keys",
		trace.WithAttributes(attribute.String("format", string(format))))
	defer span.End()

	records := s.store.Snapshot()
	if err := exporter.Write(w, format, records, opts); err != nil {
		infrastructure.RecordError(ctx, err)
		return fmt.Errorf("failed to export keys: %w", err)
	}

	s.logger.InfoContext(ctx, "keys exported",
		slog.String("format", string(format)),
		slog.Int("records", len(records)),
		slog.Bool("masked", opts.Mask))
	return nil
}

// Stats counts records by class and exhaustion
func (s *keyService) Stats(ctx context.Context) KeyStats {
	stats := KeyStats{ByClass: make(map[string]int)}
	for _, rec := range s.store.Snapshot() {
		stats.Total++
		stats.ByClass[rec.EntitlementClass]++
		if !rec.HasQuota() {
			stats.Exhausted++
		}
	}
	return stats
}

// ReloadFlags replaces the membership sets with the contents of path. The
// current sets stay active if the file cannot be read.
func (s *keyService) ReloadFlags(ctx context.Context, path string) error {
	if path == "" {
		return fmt.Errorf("flags file: %w", license.ErrMissingParameter)
	}
	if err := s.classifier.ReloadFile(path); err != nil {
		s.logger.ErrorContext(ctx, "failed to reload flag sets",
			slog.String("path", path),
			slog.String("error", err.Error()))
		return err
	}

	flagged, secondary := s.classifier.Sizes()
	s.logger.InfoContext(ctx, "flag sets reloaded",
		slog.String("path", path),
		slog.Int("flagged", flagged),
		slog.Int("secondary", secondary))
	s.publish(ctx, EventFlagsReloaded, map[string]int{
		"flagged":   flagged,
		"secondary": secondary,
	})
	return nil
}
