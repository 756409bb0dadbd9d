package archive

import (
	"context"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
)

// testEpoch is the fake clock's start time in every test.
var testEpoch = time.Date(2026, time.March, 2, 9, 0, 0, 0, time.UTC)

// testLogger returns a debug-level logger that writes to t.Log.
func testLogger(t *testing.T) *slog.Logger {
	t.Helper()

	return slog.New(slog.NewTextHandler(&testLogWriter{t: t}, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
}

// testLogWriter adapts testing.T to io.Writer for slog.
type testLogWriter struct {
	t *testing.T
}

func (w *testLogWriter) Write(p []byte) (int, error) {
	w.t.Helper()
	w.t.Log(string(p))

	return len(p), nil
}

// recordingObserver logs events through the test logger and keeps them.
type recordingObserver struct {
	log *LogObserver

	mu     sync.Mutex
	events []Event
}

func newRecordingObserver(t *testing.T) *recordingObserver {
	t.Helper()

	return &recordingObserver{log: NewLogObserver(testLogger(t))}
}

func (o *recordingObserver) Notify(ev Event) {
	o.log.Notify(ev)

	o.mu.Lock()
	o.events = append(o.events, ev)
	o.mu.Unlock()
}

// operatorEvents returns the events flagged for operator action.
func (o *recordingObserver) operatorEvents() []Event {
	o.mu.Lock()
	defer o.mu.Unlock()

	var out []Event

	for _, ev := range o.events {
		if ev.Operator {
			out = append(out, ev)
		}
	}

	return out
}

// countLevel returns how many events were emitted at level or above.
func (o *recordingObserver) countLevel(level slog.Level) int {
	o.mu.Lock()
	defer o.mu.Unlock()

	n := 0

	for _, ev := range o.events {
		if ev.Level >= level {
			n++
		}
	}

	return n
}

// writeTestFile creates a file with content and modification time.
func writeTestFile(t *testing.T, fsys afero.Fs, p, content string, mtime time.Time) {
	t.Helper()

	require.NoError(t, fsys.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, afero.WriteFile(fsys, p, []byte(content), 0o644))
	require.NoError(t, fsys.Chtimes(p, mtime, mtime))
}

// --- fakeStore ---

type fakeStore struct {
	mu          sync.Mutex
	packages    map[int]PackageRecord
	outstanding []VerificationRecord
	sessions    []UploadSession
	statuses    []statusUpdate
	operatorLog []string
	held        map[int64]string
	getErr      error
	nextEntryID int64

	// statusCtxErrs holds the context error seen by each SetUploadStatus.
	statusCtxErrs []error
}

type statusUpdate struct {
	EntryID   int64
	PackageID int
	Available bool
	Verified  bool
}

func newFakeStore(pkgs ...PackageRecord) *fakeStore {
	s := &fakeStore{packages: make(map[int]PackageRecord), held: make(map[int64]string)}
	for _, p := range pkgs {
		s.packages[p.ID] = p
	}

	return s
}

func (s *fakeStore) GetPackages(_ context.Context, ids []int) ([]PackageRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.getErr != nil {
		return nil, s.getErr
	}

	var out []PackageRecord

	for _, id := range ids {
		if p, ok := s.packages[id]; ok {
			out = append(out, p)
		}
	}

	return out, nil
}

func (s *fakeStore) ListOutstandingUploads(context.Context) ([]VerificationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []VerificationRecord

	for _, r := range s.outstanding {
		if _, held := s.held[r.EntryID]; !held && !r.Verified {
			out = append(out, r)
		}
	}

	return out, nil
}

// RecordUploadStats persists the session and, for successful ones, adds an
// outstanding verification record the way the real store does.
func (s *fakeStore) RecordUploadStats(_ context.Context, session UploadSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sessions = append(s.sessions, session)

	if session.Succeeded() {
		s.nextEntryID++
		pkg := s.packages[session.PackageID]
		s.outstanding = append(s.outstanding, VerificationRecord{
			EntryID:      s.nextEntryID,
			PackageID:    session.PackageID,
			Owner:        pkg.Owner,
			EnteredAt:    session.EnteredAt,
			StatusHandle: session.StatusHandle,
			LocalPath:    pkg.LocalPath,
			SharePath:    pkg.SharePath,
		})
	}

	return nil
}

func (s *fakeStore) SetUploadStatus(ctx context.Context, entryID int64, packageID int, available, verified bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.statuses = append(s.statuses, statusUpdate{entryID, packageID, available, verified})
	s.statusCtxErrs = append(s.statusCtxErrs, ctx.Err())

	for i := range s.outstanding {
		if s.outstanding[i].EntryID == entryID {
			s.outstanding[i] = s.outstanding[i].withFlags(available, verified)
		}
	}

	return nil
}

func (s *fakeStore) LogOperatorError(_ context.Context, _ int, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.operatorLog = append(s.operatorLog, message)

	return nil
}

func (s *fakeStore) HoldUpload(_ context.Context, entryID int64, _ int, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.held[entryID] = reason

	return nil
}

// failOpenFs refuses to open the listed paths, like a file locked by another
// process or a permission problem.
type failOpenFs struct {
	afero.Fs

	mu     sync.Mutex
	denied map[string]bool
}

func newFailOpenFs(base afero.Fs, paths ...string) *failOpenFs {
	fs := &failOpenFs{Fs: base, denied: make(map[string]bool)}
	for _, p := range paths {
		fs.denied[p] = true
	}

	return fs
}

func (f *failOpenFs) allow(p string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	delete(f.denied, p)
}

func (f *failOpenFs) Open(name string) (afero.File, error) {
	f.mu.Lock()
	denied := f.denied[name]
	f.mu.Unlock()

	if denied {
		return nil, &os.PathError{Op: "open", Path: name, Err: os.ErrPermission}
	}

	return f.Fs.Open(name)
}

// --- fakeCatalog ---

type fakeCatalog struct {
	mu      sync.Mutex
	entries map[int][]ArchiveEntry
	errs    map[int]error
	calls   []int
}

func newFakeCatalog() *fakeCatalog {
	return &fakeCatalog{
		entries: make(map[int][]ArchiveEntry),
		errs:    make(map[int]error),
	}
}

func (c *fakeCatalog) add(packageID int, entries ...ArchiveEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[packageID] = append(c.entries[packageID], entries...)
}

func (c *fakeCatalog) FindFiles(_ context.Context, _, _ string, packageID int) ([]ArchiveEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.calls = append(c.calls, packageID)

	if err := c.errs[packageID]; err != nil {
		return nil, err
	}

	return append([]ArchiveEntry(nil), c.entries[packageID]...), nil
}

func (c *fakeCatalog) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.calls)
}

// --- fakeUploader ---

// fakeUploader accepts every manifest and, when catalog is set, publishes the
// files to it immediately with their real hashes.
type fakeUploader struct {
	fs      afero.Fs
	clock   clockwork.Clock
	catalog *fakeCatalog

	result SubmitResult
	err    error

	// onSubmit runs before the submission is accepted.
	onSubmit func()

	mu        sync.Mutex
	manifests [][]ManifestEntry
	ctxErrs   []error
}

func (u *fakeUploader) Submit(ctx context.Context, manifest []ManifestEntry, meta PackageMetadata) (SubmitResult, error) {
	if u.onSubmit != nil {
		u.onSubmit()
	}

	u.mu.Lock()
	u.manifests = append(u.manifests, manifest)
	u.ctxErrs = append(u.ctxErrs, ctx.Err())
	u.mu.Unlock()

	if u.err != nil {
		return SubmitResult{}, u.err
	}

	if u.catalog != nil && u.result.Success {
		for _, m := range manifest {
			hash, err := HashFile(u.fs, m.LocalPath)
			if err != nil {
				return SubmitResult{}, err
			}

			u.catalog.add(meta.PackageID, ArchiveEntry{
				Filename:    m.Filename,
				Subpath:     m.ArchiveSubpath,
				Size:        m.Size,
				Hash:        hash,
				SubmittedAt: u.clock.Now(),
			})
		}
	}

	return u.result, nil
}

func (u *fakeUploader) submissions() int {
	u.mu.Lock()
	defer u.mu.Unlock()

	return len(u.manifests)
}

// --- fakeStatus ---

// fakeStatus answers polls from a scripted queue per handle; the last answer
// repeats once the queue is drained.
type fakeStatus struct {
	mu      sync.Mutex
	answers map[string][]statusAnswer
	polls   map[string]int

	// onPoll runs before each answer.
	onPoll func()
}

type statusAnswer struct {
	status IngestStatus
	err    error
}

func newFakeStatus() *fakeStatus {
	return &fakeStatus{
		answers: make(map[string][]statusAnswer),
		polls:   make(map[string]int),
	}
}

func (s *fakeStatus) script(handle string, answers ...statusAnswer) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.answers[handle] = answers
}

func (s *fakeStatus) GetIngestStatus(_ context.Context, handle string) (IngestStatus, error) {
	if s.onPoll != nil {
		s.onPoll()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.polls[handle]++

	queue := s.answers[handle]
	if len(queue) == 0 {
		return IngestStatus{Valid: true, State: IngestStateCompleted, PercentComplete: 100}, nil
	}

	a := queue[0]
	if len(queue) > 1 {
		s.answers[handle] = queue[1:]
	}

	return a.status, a.err
}

func (s *fakeStatus) pollCount(handle string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.polls[handle]
}

// completed is a finished ingestion answer.
func completed() statusAnswer {
	return statusAnswer{status: IngestStatus{Valid: true, State: IngestStateCompleted, PercentComplete: 100}}
}

// testPackage returns a package rooted at /data/<name> with subdir <name>.
func testPackage(id int, name string) PackageRecord {
	return PackageRecord{
		ID:        id,
		Name:      name,
		Owner:     "lab",
		LocalPath: path.Join("/data", name),
		SharePath: path.Join("/share", name),
		Subdir:    name,
	}
}
