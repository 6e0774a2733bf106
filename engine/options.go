package engine

import (
	"os"
	"strconv"

	"github.com/brineholt/ptree/internal/classindex"
	"github.com/brineholt/ptree/internal/telemetry"
	"github.com/brineholt/ptree/internal/tree"
	"github.com/brineholt/ptree/internal/volume"
)

// Options configures an Engine at Open/Create time, following the
// teacher's struct-of-knobs-with-defaults idiom (pager.PageBackendConfig/
// PagerConfig/BufferPoolConfig): a plain config struct whose zero values
// are replaced by sane defaults inside Open, rather than a builder chain.
// PageSize, InitialPages, ExtensionPages, MaximumPages and
// MaintenanceSchedule also have a PTREE_* env-var default consulted when
// the field is left at its zero value, matching the same idiom's
// convention of command-line/.env overrides in the teacher's cmd/ entry
// points; the other fields fall back to package defaults only.
type Options struct {
	// PageSize is applied to every volume created fresh by this engine
	// (existing volumes keep whatever size they were created with).
	PageSize uint32
	// InitialPages/ExtensionPages/MaximumPages govern newly created
	// volumes; 0 means "use the package default".
	InitialPages   uint32
	ExtensionPages uint32
	MaximumPages   uint32

	// BucketCount sizes the shared TransactionIndex; 0 means
	// txindex.DefaultBucketCount.
	BucketCount int

	// SplitPolicy is the default policy new trees are created with; nil
	// means tree.NicePolicy{}.
	SplitPolicy tree.SplitPolicy

	// Resolver backs the engine's ClassIndex; required to look up a
	// registered class by name during recovery or by-handle lookups. A
	// nil Resolver is valid for engines that never touch classindex.
	Resolver classindex.Resolver

	// MaintenanceSchedule is a robfig/cron/v3 schedule spec for the
	// background maintenance loop; empty disables Maintenance entirely.
	MaintenanceSchedule string

	// Telemetry is the logging/metrics sink; nil means telemetry.Discard().
	Telemetry *telemetry.Telemetry
}

const (
	envPageSize            = "PTREE_PAGE_SIZE"
	envInitialPages        = "PTREE_INITIAL_PAGES"
	envExtensionPages      = "PTREE_EXTENSION_PAGES"
	envMaximumPages        = "PTREE_MAXIMUM_PAGES"
	envMaintenanceSchedule = "PTREE_MAINTENANCE_SCHEDULE"

	defaultInitialPages   = 16
	defaultExtensionPages = 16
	defaultMaximumPages   = 1 << 20 // 4 GiB at 4 KiB pages, a generous ceiling
)

func envUint32(name string, fallback uint32) uint32 {
	v, ok := os.LookupEnv(name)
	if !ok {
		return fallback
	}
	n, err := strconv.ParseUint(v, 10, 32)
	if err != nil {
		return fallback
	}
	return uint32(n)
}

// normalize fills every zero-valued field with its env-var override or
// package default, the way PageBackendConfig's "ps := cfg.PageSize; if
// ps == 0 { ps = DefaultPageSize }" pattern does, generalized across the
// whole struct.
func (o Options) normalize() Options {
	if o.PageSize == 0 {
		o.PageSize = envUint32(envPageSize, volume.DefaultPageSize)
	}
	if o.InitialPages == 0 {
		o.InitialPages = envUint32(envInitialPages, defaultInitialPages)
	}
	if o.ExtensionPages == 0 {
		o.ExtensionPages = envUint32(envExtensionPages, defaultExtensionPages)
	}
	if o.MaximumPages == 0 {
		o.MaximumPages = envUint32(envMaximumPages, defaultMaximumPages)
	}
	if o.BucketCount == 0 {
		o.BucketCount = 128
	}
	if o.SplitPolicy == nil {
		o.SplitPolicy = tree.NicePolicy{}
	}
	if o.MaintenanceSchedule == "" {
		o.MaintenanceSchedule = os.Getenv(envMaintenanceSchedule)
	}
	if o.Telemetry == nil {
		o.Telemetry = telemetry.Discard()
	}
	return o
}
