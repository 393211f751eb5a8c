// Package identity implements the Identity Verifier (C2): a per-project
// locked configuration binding an agent name to a project directory, with
// tamper detection on the lock file itself. Once locked, the name cannot be
// reassigned by the agent; only ClearForOverride removes the lock, and no
// operation in this module calls it.
package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"

	"github.com/agora-labs/marketplace-core/internal/agoraerr"
	"github.com/agora-labs/marketplace-core/internal/audit"
	"github.com/agora-labs/marketplace-core/internal/telemetry"
)

// LockFileName is the on-disk file name written at first successful
// registration and read on every subsequent verification.
const LockFileName = ".agora-identity.toml"

type (
	// Lock is the locked configuration persisted at the project root.
	Lock struct {
		AgentName        string    `toml:"agent_name"`
		ProjectDirectory string    `toml:"project_directory"`
		LockedAt         time.Time `toml:"locked_at"`
	}

	// Claim is what a calling process asserts about itself on every
	// authenticated request.
	Claim struct {
		AgentName        string
		ProjectDirectory string
	}

	// Verifier binds agent names to project directories and rejects any
	// claim that does not match the on-disk lock. It memoizes the parsed
	// lock file per project directory for a short TTL (every claim is still
	// compared against it) to avoid stat-storms on hot request paths,
	// mirroring the cache/refresh shape used elsewhere in the core.
	Verifier struct {
		mu       sync.RWMutex
		cacheTTL time.Duration
		cache    map[string]cacheEntry
		audit    *audit.Log
		logger   telemetry.Logger

		watcher *fsnotify.Watcher
		watchWg sync.WaitGroup
		stopCh  chan struct{}
	}

	cacheEntry struct {
		lock      Lock
		expiresAt time.Time
	}

	// Option configures a Verifier.
	Option func(*Verifier)
)

// WithCacheTTL overrides the default memoization TTL (2s).
func WithCacheTTL(d time.Duration) Option {
	return func(v *Verifier) { v.cacheTTL = d }
}

// WithLogger overrides the verifier's logger.
func WithLogger(logger telemetry.Logger) Option {
	return func(v *Verifier) { v.logger = logger }
}

// NewVerifier constructs a Verifier that writes security events to the given
// audit log.
func NewVerifier(auditLog *audit.Log, opts ...Option) *Verifier {
	v := &Verifier{
		cacheTTL: 2 * time.Second,
		cache:    make(map[string]cacheEntry),
		audit:    auditLog,
		logger:   telemetry.NewNoopLogger(),
		stopCh:   make(chan struct{}),
	}
	for _, o := range opts {
		if o != nil {
			o(v)
		}
	}
	return v
}

// Lock writes the locked configuration file at projectDir/LockFileName. It is
// one-way: once a lock file exists for a different agent name, Lock refuses
// to overwrite it. Only ClearForOverride removes an existing lock.
func (v *Verifier) Lock(agentName, projectDir string) (Lock, error) {
	absDir, err := filepath.Abs(projectDir)
	if err != nil {
		return Lock{}, agoraerr.Wrap(agoraerr.InvalidArgument, err, "resolve project directory")
	}
	path := filepath.Join(absDir, LockFileName)

	if existing, ok := v.readLock(path); ok {
		if existing.AgentName != agentName || existing.ProjectDirectory != absDir {
			return Lock{}, agoraerr.Newf(agoraerr.Conflict,
				"project %s is already locked to agent %s", absDir, existing.AgentName)
		}
		return existing, nil
	}

	lock := Lock{AgentName: agentName, ProjectDirectory: absDir, LockedAt: time.Now().UTC()}
	f, err := os.Create(path)
	if err != nil {
		return Lock{}, agoraerr.Wrap(agoraerr.Internal, err, "create identity lock file")
	}
	defer f.Close()
	if err := toml.NewEncoder(f).Encode(lock); err != nil {
		return Lock{}, agoraerr.Wrap(agoraerr.Internal, err, "encode identity lock file")
	}
	v.invalidate(absDir)
	return lock, nil
}

// Verify checks the three points from spec.md §4.2 simultaneously: the lock
// file exists, its project directory matches the caller's working directory,
// and the claimed agent name equals the locked name. Any mismatch yields
// IdentitySpoofingError and is logged to the audit log as a security event.
func (v *Verifier) Verify(ctx context.Context, claim Claim) (Lock, error) {
	absDir, err := filepath.Abs(claim.ProjectDirectory)
	if err != nil {
		return Lock{}, agoraerr.Wrap(agoraerr.InvalidArgument, err, "resolve project directory")
	}
	path := filepath.Join(absDir, LockFileName)

	lock, ok := v.readLock(path)
	if !ok {
		v.recordSpoof(ctx, claim, "no lock file at claimed project directory")
		return Lock{}, agoraerr.New(agoraerr.IdentitySpoofingError, "identity lock file not found")
	}
	if lock.ProjectDirectory != absDir {
		v.recordSpoof(ctx, claim, "lock file project directory mismatch")
		return Lock{}, agoraerr.New(agoraerr.IdentitySpoofingError, "project directory does not match lock")
	}
	if lock.AgentName != claim.AgentName {
		v.recordSpoof(ctx, claim, "claimed agent name does not match locked name")
		return Lock{}, agoraerr.New(agoraerr.IdentitySpoofingError, "agent name does not match lock")
	}
	return lock, nil
}

// ClearForOverride removes the lock file at projectDir. Nothing in this
// module calls it: the UserOverride reducer does not clear identity locks,
// and no agent-facing operation reaches it.
func (v *Verifier) ClearForOverride(projectDir string) error {
	absDir, err := filepath.Abs(projectDir)
	if err != nil {
		return agoraerr.Wrap(agoraerr.InvalidArgument, err, "resolve project directory")
	}
	path := filepath.Join(absDir, LockFileName)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return agoraerr.Wrap(agoraerr.Internal, err, "remove identity lock file")
	}
	v.invalidate(absDir)
	return nil
}

// WatchTampering starts an fsnotify watch on root and logs + audits any
// out-of-band modification or removal of the lock file, invalidating the
// memoization cache immediately so the next Verify call re-reads disk.
func (v *Verifier) WatchTampering(ctx context.Context, root string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return agoraerr.Wrap(agoraerr.Internal, err, "create identity watcher")
	}
	if err := watcher.Add(root); err != nil {
		_ = watcher.Close()
		return agoraerr.Wrap(agoraerr.Internal, err, "watch identity lock directory")
	}
	v.watcher = watcher
	v.watchWg.Add(1)
	go v.watchLoop(ctx, root)
	return nil
}

// Close stops any active tampering watch.
func (v *Verifier) Close() error {
	close(v.stopCh)
	v.watchWg.Wait()
	if v.watcher != nil {
		return v.watcher.Close()
	}
	return nil
}

func (v *Verifier) watchLoop(ctx context.Context, root string) {
	defer v.watchWg.Done()
	lockPath := filepath.Join(root, LockFileName)
	for {
		select {
		case <-v.stopCh:
			return
		case <-ctx.Done():
			return
		case ev, ok := <-v.watcher.Events:
			if !ok {
				return
			}
			if ev.Name != lockPath {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0 {
				v.invalidate(root)
				v.logger.Warn(ctx, "identity lock file modified out-of-band",
					"component", "identity-verifier", "path", lockPath, "op", ev.Op.String())
				if v.audit != nil {
					v.audit.Record(ctx, audit.Entry{
						Actor:     "unknown",
						Operation: "identity.lock_tamper",
						Subject:   lockPath,
						Outcome:   audit.OutcomeDenied,
						Reason:    fmt.Sprintf("lock file event %s", ev.Op),
					})
				}
			}
		case err, ok := <-v.watcher.Errors:
			if !ok {
				return
			}
			v.logger.Error(ctx, "identity watcher error", "component", "identity-verifier", "err", err)
		}
	}
}

func (v *Verifier) readLock(path string) (Lock, bool) {
	dir := filepath.Dir(path)
	v.mu.RLock()
	entry, ok := v.cache[dir]
	v.mu.RUnlock()
	if ok && time.Now().Before(entry.expiresAt) {
		return entry.lock, true
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Lock{}, false
	}
	var lock Lock
	if err := toml.Unmarshal(data, &lock); err != nil {
		return Lock{}, false
	}
	v.mu.Lock()
	v.cache[dir] = cacheEntry{lock: lock, expiresAt: time.Now().Add(v.cacheTTL)}
	v.mu.Unlock()
	return lock, true
}

func (v *Verifier) invalidate(dir string) {
	v.mu.Lock()
	delete(v.cache, dir)
	v.mu.Unlock()
}

func (v *Verifier) recordSpoof(ctx context.Context, claim Claim, reason string) {
	v.logger.Error(ctx, "identity spoofing detected",
		"component", "identity-verifier", "claimed_agent", claim.AgentName,
		"claimed_dir", claim.ProjectDirectory, "reason", reason)
	if v.audit == nil {
		return
	}
	details, _ := json.Marshal(claim)
	v.audit.Record(ctx, audit.Entry{
		Actor:     claim.AgentName,
		Operation: "identity.verify",
		Subject:   string(details),
		Outcome:   audit.OutcomeDenied,
		Reason:    reason,
	})
}
