package archive

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/sitewise/sitewise/pkg/db/archives"
	"github.com/sitewise/sitewise/pkg/db/logs"
	"github.com/sitewise/sitewise/pkg/period"
	"github.com/sitewise/sitewise/pkg/segment"
	"github.com/sitewise/sitewise/pkg/utils"
)

// ProcessorConfig bounds the per-key lock. LockTTL is the crash-reclaim
// grace: a worker killed without releasing stops blocking its key once the
// TTL expires. It is deliberately decoupled from any dispatch timeout.
type ProcessorConfig struct {
	LockTTL     time.Duration
	LockMaxWait time.Duration
}

// ProcessorConfigFromEnv reads lock settings from the environment.
func ProcessorConfigFromEnv() ProcessorConfig {
	return ProcessorConfig{
		LockTTL:     utils.EnvDuration("ARCHIVE_LOCK_TTL", 15*time.Minute),
		LockMaxWait: utils.EnvDuration("ARCHIVE_LOCK_MAX_WAIT", 5*time.Second),
	}
}

// Request identifies one unit of aggregation work handed to the processor.
// InvalidatedAt is the newest pending invalidation covering the key, zero
// when none.
type Request struct {
	Key           archives.Key
	Trigger       Trigger
	InvalidatedAt time.Time
}

// Processor executes the aggregation state machine for one key at a time:
// rules check, per-key lock, in_progress marker, computation (raw logs for
// days, child archives for everything coarser), dependent-plugin resolution,
// atomic finalize. All collaborators are injected.
type Processor struct {
	archiveStore archives.Store
	logStore     logs.Store
	registry     *Registry
	policy       Policy
	locks        archives.LockProvider
	config       ProcessorConfig
	logger       *zap.Logger
}

// NewProcessor wires a processor to its collaborators.
func NewProcessor(
	archiveStore archives.Store,
	logStore logs.Store,
	registry *Registry,
	policy Policy,
	locks archives.LockProvider,
	config ProcessorConfig,
	logger *zap.Logger,
) *Processor {
	return &Processor{
		archiveStore: archiveStore,
		logStore:     logStore,
		registry:     registry,
		policy:       policy,
		locks:        locks,
		config:       config,
		logger:       logger,
	}
}

// Process resolves one request: serve the cached archive, or compute a new
// generation. A nil archive with a nil error means no data is available yet
// (anti-stampede skip or lock contention with nothing cached); user-facing
// callers surface that as "data not yet available".
func (p *Processor) Process(ctx context.Context, req Request) (*archives.Archive, error) {
	key := req.Key
	if key.Plugin != "" && !p.registry.Has(key.Plugin) {
		return nil, fmt.Errorf("process %s: unknown plugin %q", key, key.Plugin)
	}

	status, err := p.archiveStore.LatestStatus(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("process %s: %w", key, err)
	}

	switch p.policy.Decide(time.Now().UTC(), key, status, req.InvalidatedAt, req.Trigger) {
	case DecisionServeCached:
		return p.archiveStore.ReadArchive(ctx, key)
	case DecisionSkipFresh:
		// Reuse whatever exists, stale included.
		return p.archiveStore.ReadArchive(ctx, key)
	}

	return p.compute(ctx, req)
}

// compute runs one computation under the per-key lock.
func (p *Processor) compute(ctx context.Context, req Request) (*archives.Archive, error) {
	key := req.Key

	release, ok, err := p.locks.Acquire(ctx, key.LockName(), p.config.LockTTL, p.config.LockMaxWait)
	if err != nil {
		return nil, fmt.Errorf("process %s: %w", key, err)
	}
	if !ok {
		// Contention is not an error: another worker owns the key. Serve
		// stale data if any exists.
		p.logger.Debug("Key locked by another worker, falling back to cached data",
			zap.String("key", key.String()))
		return p.archiveStore.ReadArchive(ctx, key)
	}
	defer func() {
		if relErr := release(ctx); relErr != nil {
			p.logger.Warn("Failed to release archive lock",
				zap.String("key", key.String()), zap.Error(relErr))
		}
	}()

	// Re-check under the lock: the worker we contended with may have
	// finished while we waited. Its generation only counts when it
	// postdates the invalidation this request is settling, and invalidated
	// generations never satisfy the re-check.
	status, err := p.archiveStore.LatestStatus(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("process %s: %w", key, err)
	}
	if status != nil && status.Status.IsUsable() &&
		status.Status != archives.StatusInvalidated &&
		time.Since(status.TsArchived) < p.policy.AntiStampedeWindow &&
		!status.TsArchived.Before(req.InvalidatedAt) {
		return p.archiveStore.ReadArchive(ctx, key)
	}

	// Allocation also writes the in_progress reservation row.
	idArchive, err := p.archiveStore.AllocateArchiveID(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("process %s: %w", key, err)
	}

	started := time.Now()
	archive, err := p.computeRecords(ctx, req, idArchive)
	if err != nil {
		if markErr := p.archiveStore.MarkError(ctx, key, idArchive); markErr != nil {
			p.logger.Error("Failed to mark archive generation as errored",
				zap.String("key", key.String()), zap.Error(markErr))
		}
		return nil, fmt.Errorf("process %s: %w", key, err)
	}

	if err := p.archiveStore.Finalize(ctx, archive); err != nil {
		if markErr := p.archiveStore.MarkError(ctx, key, idArchive); markErr != nil {
			p.logger.Error("Failed to mark archive generation as errored",
				zap.String("key", key.String()), zap.Error(markErr))
		}
		return nil, fmt.Errorf("process %s: %w", key, err)
	}

	if err := p.archiveStore.PurgeSuperseded(ctx, key, idArchive); err != nil {
		// Stale generations are invisible to readers; purging again next
		// run is enough.
		p.logger.Warn("Failed to purge superseded archive generations",
			zap.String("key", key.String()), zap.Error(err))
	}

	p.logger.Info("Archived",
		zap.String("key", key.String()),
		zap.Uint64("idarchive", idArchive),
		zap.Int("numerics", len(archive.Numerics)),
		zap.Int("blobs", len(archive.Blobs)),
		zap.Duration("duration", time.Since(started)))

	return archive, nil
}

// computeRecords builds the archive contents: day periods fold raw logs,
// coarser periods sum their children's archives.
func (p *Processor) computeRecords(ctx context.Context, req Request, idArchive uint64) (*archives.Archive, error) {
	key := req.Key
	archive := &archives.Archive{
		Key:        key,
		IDArchive:  idArchive,
		Status:     archives.StatusDoneOK,
		TsArchived: time.Now().UTC(),
	}

	if key.Period.Type == period.TypeDay {
		if err := p.computeDay(ctx, req, archive); err != nil {
			return nil, err
		}
		return archive, nil
	}

	if err := p.aggregateChildren(ctx, req, archive); err != nil {
		return nil, err
	}
	return archive, nil
}

// computeDay folds raw visit rows into records for every requested plugin,
// resolving dependent plugins against their base plugin's archive first.
func (p *Processor) computeDay(ctx context.Context, req Request, archive *archives.Archive) error {
	key := req.Key

	plugins := p.registry.Names()
	if key.Plugin != "" {
		plugins = []string{key.Plugin}
	}

	visits, err := p.logStore.ReadVisits(ctx, key.SiteID, key.Period, key.Segment)
	if err != nil {
		return err
	}

	for _, name := range plugins {
		descriptor, _ := p.registry.Get(name)

		if descriptor.DependsOn != "" {
			records, err := p.resolveDependent(ctx, req, descriptor)
			if err != nil {
				return err
			}
			archive.Numerics = append(archive.Numerics, records...)
			continue
		}

		switch name {
		case PluginVisitsSummary:
			archive.Numerics = append(archive.Numerics, VisitsSummaryRecords(visits)...)
		case PluginGoals:
			archive.Numerics = append(archive.Numerics, GoalsRecords(visits)...)
		case PluginDevicesDetection:
			if err := appendBlob(archive, "DevicesDetection_deviceType",
				LabelTable(visits, func(v logs.Visit) string { return v.DeviceType })); err != nil {
				return err
			}
		case PluginReferrers:
			if err := appendBlob(archive, "Referrers_referrerType",
				LabelTable(visits, func(v logs.Visit) string { return v.ReferrerType })); err != nil {
				return err
			}
		default:
			return fmt.Errorf("plugin %q has no archiving routine", name)
		}
	}

	return nil
}

// resolveDependent computes or fetches the base plugin's archive under the
// combined segment, then renames its summable records with the dependent's
// suffix.
func (p *Processor) resolveDependent(ctx context.Context, req Request, descriptor Descriptor) ([]archives.NumericRecord, error) {
	depKey := archives.Key{
		SiteID:  req.Key.SiteID,
		Period:  req.Key.Period,
		Segment: segment.Combine(req.Key.Segment, descriptor.ExtraSegment),
		Plugin:  descriptor.DependsOn,
	}

	depArchive, err := p.Process(ctx, Request{
		Key:           depKey,
		Trigger:       req.Trigger,
		InvalidatedAt: req.InvalidatedAt,
	})
	if err != nil {
		return nil, fmt.Errorf("resolve dependency %s of %s: %w", descriptor.DependsOn, descriptor.Name, err)
	}
	if depArchive == nil {
		return nil, fmt.Errorf("resolve dependency %s of %s: no archive available", descriptor.DependsOn, descriptor.Name)
	}

	var out []archives.NumericRecord
	for _, r := range depArchive.Numerics {
		if !summableMetric(r.Name) {
			continue
		}
		out = append(out, archives.NumericRecord{Name: r.Name + descriptor.RecordSuffix, Value: r.Value})
	}
	return out, nil
}

// aggregateChildren sums the sub-period archives of the same key: day rows
// for weeks and months, month rows for years. Children are processed first,
// so freshness cascades down before anything is summed, and the cost stays
// proportional to the number of sub-periods rather than raw log rows.
func (p *Processor) aggregateChildren(ctx context.Context, req Request, archive *archives.Archive) error {
	key := req.Key

	var childNumerics [][]archives.NumericRecord
	blobTables := map[string][]*DataTable{}
	var blobNames []string

	for _, sub := range key.Period.Subperiods() {
		childKey := archives.Key{SiteID: key.SiteID, Period: sub, Segment: key.Segment, Plugin: key.Plugin}
		child, err := p.Process(ctx, Request{
			Key:           childKey,
			Trigger:       req.Trigger,
			InvalidatedAt: req.InvalidatedAt,
		})
		if err != nil {
			return fmt.Errorf("aggregate %s: %w", childKey, err)
		}
		if child == nil {
			// The child is being computed elsewhere right now. Without it
			// the sum would silently undercount.
			return fmt.Errorf("aggregate %s: sub-period archive unavailable", childKey)
		}

		childNumerics = append(childNumerics, child.Numerics)
		for _, b := range child.Blobs {
			t, err := DeserializeDataTable(b.Data)
			if err != nil {
				return fmt.Errorf("aggregate %s: blob %s: %w", childKey, b.Name, err)
			}
			if _, seen := blobTables[b.Name]; !seen {
				blobNames = append(blobNames, b.Name)
			}
			blobTables[b.Name] = append(blobTables[b.Name], t)
		}
	}

	archive.Numerics = SumNumericRecords(childNumerics)
	for _, name := range blobNames {
		if err := appendBlob(archive, name, MergeDataTables(blobTables[name])); err != nil {
			return err
		}
	}
	return nil
}

func appendBlob(archive *archives.Archive, name string, table *DataTable) error {
	data, err := table.Serialize()
	if err != nil {
		return fmt.Errorf("blob %s: %w", name, err)
	}
	archive.Blobs = append(archive.Blobs, archives.BlobRecord{Name: name, Data: data})
	return nil
}
