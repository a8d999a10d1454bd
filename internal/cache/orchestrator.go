// Package cache implements the function response cache's single
// externally-visible operation, get_or_cache: resolve a resource
// identifier, probe the locking substrate for a matching entry, and on
// miss evaluate the constraint and write a fresh entry through the
// wire codec. See spec.md §4.4 for the state machine this file
// implements (S0 Start, S1 Resolve, S2 Probe, S3 Read, S4 Write, S5
// Build, S6 Bypass).
package cache

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/aafaque33/bes/internal/cacheerr"
	"github.com/aafaque33/bes/internal/config"
	"github.com/aafaque33/bes/internal/lockstore"
	"github.com/aafaque33/bes/internal/metrics"
	"github.com/aafaque33/bes/internal/resourceid"
	"github.com/aafaque33/bes/internal/wire"
	"github.com/aafaque33/bes/pkg/dap"
)

const component = "cache"

// FunctionResponseCache is the cache orchestrator. The zero value is
// not useful; construct with Open.
type FunctionResponseCache struct {
	store   *lockstore.Store
	parser  dap.DescriptorParser
	factory dap.DatasetFactory
	metrics *metrics.Collector
	logger  *slog.Logger
}

// Open resolves cfg and opens the locking substrate. A missing cache
// directory is not a fatal error: the cache comes up inactive and
// every call to GetOrCache bypasses straight to direct evaluation,
// matching spec.md §7's CacheDisabled semantics.
func Open(cfg config.CacheConfig, parser dap.DescriptorParser, factory dap.DatasetFactory, collector *metrics.Collector, logger *slog.Logger) (*FunctionResponseCache, error) {
	if logger == nil {
		logger = slog.Default()
	}
	c := &FunctionResponseCache{parser: parser, factory: factory, metrics: collector, logger: logger}

	if cfg.SizeMB <= 0 {
		logger.Info("function response cache disabled by configuration", "size_mb", cfg.SizeMB)
		return c, nil
	}

	store, err := lockstore.Open(cfg.Path, cfg.Prefix, cfg.SizeMB, logger)
	if err != nil {
		if cacheerr.HasCode(err, cacheerr.CacheDisabled) {
			logger.Warn("function response cache directory unavailable, bypassing", "path", cfg.Path, "error", err)
			return c, nil
		}
		return nil, err
	}
	c.store = store
	return c, nil
}

// IsAvailable reports whether the cache is active. A false result
// means every call to GetOrCache evaluates directly.
func (c *FunctionResponseCache) IsAvailable() bool {
	return c.store != nil && c.store.Active()
}

// GetOrCache is the cache's single entry point: it returns a dataset
// carrying the result of evaluating constraint against dataset,
// transparently serving that result from the cache when possible.
func (c *FunctionResponseCache) GetOrCache(ctx context.Context, dataset dap.Dataset, constraint string, eval dap.ConstraintEvaluator) (dap.Dataset, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if !c.IsAvailable() {
		c.recordBypass()
		return c.evaluate(dataset, constraint, eval)
	}

	rid := resourceid.New(dataset.Filename(), constraint)
	if !rid.Cacheable() {
		c.recordBypass()
		return c.evaluate(dataset, constraint, eval)
	}

	result, err := c.probeAndServe(dataset, constraint, eval, rid)
	if err != nil && cacheerr.HasCode(err, cacheerr.CacheIOError) {
		// The substrate itself is unreachable, most likely because the
		// cache directory was removed after Open succeeded. Fall back to
		// direct evaluation rather than fail the request — spec.md §8
		// scenario 6.
		c.logger.Warn("cache substrate unavailable, evaluating directly", "rid", rid.String(), "error", err)
		c.recordBypass()
		return c.evaluate(dataset, constraint, eval)
	}
	return result, err
}

func (c *FunctionResponseCache) evaluate(dataset dap.Dataset, constraint string, eval dap.ConstraintEvaluator) (dap.Dataset, error) {
	if err := eval.ParseConstraint(constraint, dataset); err != nil {
		return nil, cacheerr.Wrap(cacheerr.EvaluatorError, component, "evaluate", err)
	}
	result, err := eval.EvalFunctionClauses(dataset)
	if err != nil {
		return nil, cacheerr.Wrap(cacheerr.EvaluatorError, component, "evaluate", err)
	}
	return result, nil
}

// probeAndServe runs the probe loop (S2/S3) and, on a genuine miss,
// the write path (S4/S5). It retries once if the write slot is lost to
// a concurrent writer between the miss being observed and the create
// attempt, mirroring the original implementation's two-pass retry.
func (c *FunctionResponseCache) probeAndServe(dataset dap.Dataset, constraint string, eval dap.ConstraintEvaluator, rid resourceid.ID) (dap.Dataset, error) {
	baseName := resourceid.BaseName(c.store.Prefix(), rid)

	for attempt := 0; attempt < 2; attempt++ {
		result, served, err := c.probeOnce(dataset, constraint, eval, rid, baseName)
		if err != nil {
			return nil, err
		}
		if served {
			return result, nil
		}
	}
	return nil, cacheerr.New(cacheerr.CacheIOError, component, "GetOrCache",
		fmt.Sprintf("lost the creation race for %q twice in a row", rid))
}

// probeOnce walks the collision-probing sequence once. served is true
// when the request has been fully answered (hit or fresh write);
// false means a concurrent writer won the create race and the caller
// should probe again from the top.
func (c *FunctionResponseCache) probeOnce(dataset dap.Dataset, constraint string, eval dap.ConstraintEvaluator, rid resourceid.ID, baseName string) (result dap.Dataset, served bool, err error) {
	for suffix := 0; suffix <= resourceid.MaxCollisions; suffix++ {
		name := resourceid.CandidateName(baseName, suffix)

		held, f, lockErr := c.store.GetReadLock(name)
		if lockErr != nil {
			return nil, false, lockErr
		}

		if !held {
			c.recordMiss()
			return c.tryWrite(name, dataset, constraint, eval, rid)
		}

		match, readErr := headerMatches(f, rid)
		if readErr != nil {
			_ = c.store.UnlockAndClose(f)
			return nil, false, cacheerr.Wrap(cacheerr.CacheIOError, component, "GetOrCache", readErr)
		}
		if !match {
			_ = c.store.UnlockAndClose(f)
			c.recordCollision()
			continue
		}

		valid, validErr := c.isValid(f, dataset)
		if validErr != nil {
			_ = c.store.UnlockAndClose(f)
			return nil, false, cacheerr.Wrap(cacheerr.CacheIOError, component, "GetOrCache", validErr)
		}
		if !valid {
			_ = c.store.UnlockAndClose(f)
			_ = c.store.PurgeFile(name)
			c.recordMiss()
			return c.tryWrite(name, dataset, constraint, eval, rid)
		}

		loaded, decodeErr := c.readEntry(f)
		_ = c.store.UnlockAndClose(f)
		if decodeErr != nil {
			c.logger.Warn("cache entry failed to decode, discarding", "name", name, "error", decodeErr)
			_ = c.store.PurgeFile(name)
			c.recordCorruption()
			c.recordMiss()
			return c.tryWrite(name, dataset, constraint, eval, rid)
		}

		loaded.SetFilename(dataset.Filename())
		c.recordHit()
		return loaded, true, nil
	}

	return nil, false, cacheerr.New(cacheerr.TooManyCollisions, component, "GetOrCache",
		fmt.Sprintf("exceeded %d collision suffixes for %q", resourceid.MaxCollisions, rid.String()))
}

// tryWrite attempts to create and populate the entry at name (S4/S5).
// If another process wins the creation race, it reports served=false
// so the caller re-probes.
func (c *FunctionResponseCache) tryWrite(name string, dataset dap.Dataset, constraint string, eval dap.ConstraintEvaluator, rid resourceid.ID) (dap.Dataset, bool, error) {
	ok, f, err := c.store.CreateAndLock(name)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}

	result, buildErr := c.build(f, name, dataset, constraint, eval, rid)
	_ = c.store.UnlockAndClose(f)
	if buildErr != nil {
		_ = c.store.PurgeFile(name)
		return nil, false, buildErr
	}

	c.recordWrite()
	return result, true, nil
}

// build evaluates the constraint and writes the full entry — header,
// descriptor, delimiter, payload — then downgrades the lock, updates
// accounting, and purges if the write pushed the cache over its
// high-water mark. f is held under the exclusive lock CreateAndLock
// returned; the caller releases it.
func (c *FunctionResponseCache) build(f *os.File, name string, dataset dap.Dataset, constraint string, eval dap.ConstraintEvaluator, rid resourceid.ID) (dap.Dataset, error) {
	result, err := c.evaluate(dataset, constraint, eval)
	if err != nil {
		return nil, err
	}

	if _, err := f.WriteString(rid.String() + "\n"); err != nil {
		return nil, cacheerr.Wrap(cacheerr.CacheIOError, component, "build", err)
	}
	if err := result.PrintXMLWriter(f, true, ""); err != nil {
		return nil, cacheerr.Wrap(cacheerr.CacheIOError, component, "build", err)
	}
	if _, err := f.WriteString(wire.DataMark + "\n"); err != nil {
		return nil, cacheerr.Wrap(cacheerr.CacheIOError, component, "build", err)
	}

	m := wire.NewMarshaller(f)
	for _, v := range result.Variables() {
		if !v.SendP() {
			continue
		}
		if err := v.Serialize(eval, result, m, false); err != nil {
			return nil, cacheerr.Wrap(cacheerr.EvaluatorError, component, "build", err)
		}
	}
	if err := m.Flush(); err != nil {
		return nil, cacheerr.Wrap(cacheerr.CacheIOError, component, "build", err)
	}

	if err := c.store.ExclusiveToShared(f); err != nil {
		return nil, err
	}

	total, err := c.store.UpdateCacheInfo(name)
	if err != nil {
		return nil, err
	}
	c.recordSize(total)

	if c.store.CacheTooBig(total) {
		if err := c.store.UpdateAndPurge(name); err != nil {
			c.logger.Warn("purge after write failed", "error", err)
		} else {
			c.recordEviction()
		}
	}

	result.SetFilename(dataset.Filename())
	return result, nil
}

// headerMatches reports whether f's first line equals rid, without
// disturbing f's later use (it seeks back to 0 first; callers that go
// on to decode the entry re-read from the top themselves).
func headerMatches(f *os.File, rid resourceid.ID) (bool, error) {
	if _, err := f.Seek(0, 0); err != nil {
		return false, err
	}
	line, err := bufio.NewReader(f).ReadString('\n')
	if err != nil && err != io.EOF {
		return false, err
	}
	return strings.TrimSuffix(line, "\n") == rid.String(), nil
}

// isValid implements spec.md §9's resolved invalidation rule: an
// entry is invalid once the source dataset's modification time
// exceeds the entry file's. A dataset whose mtime cannot be
// determined (synthetic or already gone) never invalidates an entry.
func (c *FunctionResponseCache) isValid(f *os.File, dataset dap.Dataset) (bool, error) {
	fi, err := f.Stat()
	if err != nil {
		return false, err
	}
	dmtime, err := dataset.ModTime()
	if err != nil {
		return true, nil
	}
	return !dmtime.After(fi.ModTime()), nil
}

// readEntry decodes a cache entry from the top: skip the header line,
// let the descriptor parser build a fresh dataset from the XML
// descriptor, confirm the data delimiter, then decode the payload in
// declaration order. Per spec.md §4.2, every decoded variable is
// marked read and to-send, and sequences have their row cursor reset.
func (c *FunctionResponseCache) readEntry(f *os.File) (dap.Dataset, error) {
	if _, err := f.Seek(0, 0); err != nil {
		return nil, cacheerr.Wrap(cacheerr.CacheIOError, component, "readEntry", err)
	}
	r := bufio.NewReader(f)
	if _, err := r.ReadString('\n'); err != nil {
		return nil, cacheerr.Wrap(cacheerr.CacheCorrupt, component, "readEntry", err)
	}

	dataset := c.factory.NewDataset()
	if _, err := c.parser.InternStream(r, dataset, wire.DataMark); err != nil {
		return nil, cacheerr.Wrap(cacheerr.CacheCorrupt, component, "readEntry", err)
	}

	u := wire.NewUnmarshaller(r)
	for _, v := range dataset.Variables() {
		if err := v.Deserialize(u, dataset); err != nil {
			return nil, cacheerr.Wrap(cacheerr.CacheCorrupt, component, "readEntry", err)
		}
		v.SetReadP(true)
		v.SetSendP(true)
		if sv, ok := v.(dap.SequenceVariable); ok {
			sv.ResetRowNumber(true)
		}
	}
	return dataset, nil
}

func (c *FunctionResponseCache) recordHit() {
	if c.metrics != nil {
		c.metrics.RecordHit()
	}
}
func (c *FunctionResponseCache) recordMiss() {
	if c.metrics != nil {
		c.metrics.RecordMiss()
	}
}
func (c *FunctionResponseCache) recordWrite() {
	if c.metrics != nil {
		c.metrics.RecordWrite()
	}
}
func (c *FunctionResponseCache) recordCollision() {
	if c.metrics != nil {
		c.metrics.RecordCollision()
	}
}
func (c *FunctionResponseCache) recordEviction() {
	if c.metrics != nil {
		c.metrics.RecordEviction()
	}
}
func (c *FunctionResponseCache) recordCorruption() {
	if c.metrics != nil {
		c.metrics.RecordCorruption()
	}
}
func (c *FunctionResponseCache) recordBypass() {
	if c.metrics != nil {
		c.metrics.RecordBypass()
	}
}
func (c *FunctionResponseCache) recordSize(total int64) {
	if c.metrics != nil {
		c.metrics.SetSizeBytes(total)
	}
}
