package sync

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/praxis-crm/syncbridge/internal/mailerlite"
	"github.com/praxis-crm/syncbridge/internal/model"
	"github.com/praxis-crm/syncbridge/internal/storage"
)

// fakeStore is an in-memory Store keyed the same way the Postgres layer is.
type fakeStore struct {
	clients    map[string]*model.Client
	crosswalk  map[string]*model.CrosswalkRow
	shadows    map[string]*model.ShadowRow
	conflicts  map[uuid.UUID]*model.ConflictRow
	log        []model.SyncLogEntry
	nextAID    int64
	touchCount int

	// createClientHook runs before the insert and can fail it, emulating
	// a row the CRM inserted concurrently.
	createClientHook func(c model.Client) error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		clients:   map[string]*model.Client{},
		crosswalk: map[string]*model.CrosswalkRow{},
		shadows:   map[string]*model.ShadowRow{},
		conflicts: map[uuid.UUID]*model.ConflictRow{},
		nextAID:   1,
	}
}

func (f *fakeStore) GetCrosswalk(_ context.Context, email string) (*model.CrosswalkRow, error) {
	if r, ok := f.crosswalk[email]; ok {
		cp := *r
		return &cp, nil
	}
	return nil, storage.ErrNotFound
}

func (f *fakeStore) UpsertCrosswalk(_ context.Context, email string, aID *int64, bID *string) error {
	r, ok := f.crosswalk[email]
	if !ok {
		r = &model.CrosswalkRow{Email: email}
		f.crosswalk[email] = r
	}
	if r.AID == nil && aID != nil {
		r.AID = aID
	}
	if r.BID == nil && bID != nil {
		r.BID = bID
	}
	return nil
}

func (f *fakeStore) SetCrosswalkBID(_ context.Context, email string, bID string) error {
	r, ok := f.crosswalk[email]
	if !ok {
		r = &model.CrosswalkRow{Email: email}
		f.crosswalk[email] = r
	}
	r.BID = &bID
	return nil
}

func (f *fakeStore) ClearCrosswalkBID(_ context.Context, email string) error {
	if r, ok := f.crosswalk[email]; ok {
		r.BID = nil
	}
	return nil
}

func (f *fakeStore) GetShadow(_ context.Context, email string) (*model.ShadowRow, error) {
	if r, ok := f.shadows[email]; ok {
		cp := *r
		return &cp, nil
	}
	return nil, storage.ErrNotFound
}

func (f *fakeStore) UpsertShadow(_ context.Context, email string, snap model.Snapshot, validationStatus string) error {
	f.shadows[email] = &model.ShadowRow{
		Email:            email,
		Snapshot:         snap,
		ValidationStatus: validationStatus,
		LastValidatedAt:  time.Now(),
	}
	return nil
}

func (f *fakeStore) TouchShadow(_ context.Context, email string) error {
	if r, ok := f.shadows[email]; ok {
		r.LastValidatedAt = time.Now()
		f.touchCount++
		return nil
	}
	return storage.ErrNotFound
}

func (f *fakeStore) GetClientByEmail(_ context.Context, email string) (*model.Client, error) {
	if c, ok := f.clients[email]; ok {
		cp := *c
		cp.Fields = c.Fields.Clone()
		return &cp, nil
	}
	return nil, storage.ErrNotFound
}

func (f *fakeStore) CreateClient(_ context.Context, c model.Client) (int64, error) {
	if f.createClientHook != nil {
		if err := f.createClientHook(c); err != nil {
			return 0, err
		}
	}
	id := f.nextAID
	f.nextAID++
	c.ID = id
	f.clients[c.Email] = &c
	return id, nil
}

func (f *fakeStore) UpdateClientFields(_ context.Context, email string, fields model.Fields) error {
	c, ok := f.clients[email]
	if !ok {
		return storage.ErrNotFound
	}
	for k, v := range fields {
		c.Fields[k] = v
	}
	c.UpdatedAt = time.Now()
	return nil
}

func (f *fakeStore) InsertPendingConflict(_ context.Context, c model.ConflictRow) (bool, error) {
	for _, existing := range f.conflicts {
		if existing.Email == c.Email && existing.Field == c.Field && existing.Status == model.ConflictPending {
			return false, nil
		}
	}
	c.ID = uuid.New()
	c.Status = model.ConflictPending
	f.conflicts[c.ID] = &c
	return true, nil
}

func (f *fakeStore) GetConflict(_ context.Context, id uuid.UUID) (*model.ConflictRow, error) {
	if c, ok := f.conflicts[id]; ok {
		cp := *c
		return &cp, nil
	}
	return nil, storage.ErrNotFound
}

func (f *fakeStore) MarkConflictResolved(_ context.Context, id uuid.UUID, value model.FieldValue, at time.Time) error {
	c, ok := f.conflicts[id]
	if !ok || c.Status != model.ConflictPending {
		return storage.ErrNotFound
	}
	c.Status = model.ConflictResolved
	c.ResolvedValue = &value
	c.ResolvedAt = &at
	return nil
}

func (f *fakeStore) AppendSyncLog(_ context.Context, e model.SyncLogEntry) error {
	for _, existing := range f.log {
		if existing.DedupeKey == e.DedupeKey {
			return nil
		}
	}
	e.ID = int64(len(f.log) + 1)
	f.log = append(f.log, e)
	return nil
}

func (f *fakeStore) pendingConflicts() []*model.ConflictRow {
	var out []*model.ConflictRow
	for _, c := range f.conflicts {
		if c.Status == model.ConflictPending {
			out = append(out, c)
		}
	}
	return out
}

// fakeLocker runs the callback directly against the shared fake store.
type fakeLocker struct {
	store *fakeStore
	calls int
}

func (l *fakeLocker) WithRecordLock(ctx context.Context, _ string, fn func(ctx context.Context, s Store) error) error {
	l.calls++
	return fn(ctx, l.store)
}

// fakeAPI is an in-memory MailerLite surface with per-method error
// injection.
type fakeAPI struct {
	byID    map[string]*model.Subscriber
	byEmail map[string]*model.Subscriber
	nextID  int

	updateErr error
	createErr error
	getErr    error

	updates []model.Fields
	creates []model.Subscriber
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{byID: map[string]*model.Subscriber{}, byEmail: map[string]*model.Subscriber{}, nextID: 1000}
}

func (a *fakeAPI) add(sub model.Subscriber) *model.Subscriber {
	s := sub
	a.byID[s.ID] = &s
	a.byEmail[s.Email] = &s
	return &s
}

func notFoundErr() error {
	return &mailerlite.APIError{Kind: mailerlite.KindNotFound, StatusCode: 404}
}

func (a *fakeAPI) GetByEmail(_ context.Context, email string) (*model.Subscriber, error) {
	if a.getErr != nil {
		return nil, a.getErr
	}
	if s, ok := a.byEmail[email]; ok {
		cp := *s
		cp.Fields = s.Fields.Clone()
		return &cp, nil
	}
	return nil, notFoundErr()
}

func (a *fakeAPI) GetByID(_ context.Context, id string) (*model.Subscriber, error) {
	if a.getErr != nil {
		return nil, a.getErr
	}
	if s, ok := a.byID[id]; ok {
		cp := *s
		cp.Fields = s.Fields.Clone()
		return &cp, nil
	}
	return nil, notFoundErr()
}

func (a *fakeAPI) GetBatch(ctx context.Context, emails []string) (map[string]mailerlite.BatchResult, error) {
	out := make(map[string]mailerlite.BatchResult, len(emails))
	for _, e := range emails {
		sub, err := a.GetByEmail(ctx, e)
		switch {
		case err == nil:
			out[e] = mailerlite.BatchResult{Subscriber: sub}
		case mailerlite.IsNotFound(err):
			out[e] = mailerlite.BatchResult{NotFound: true}
		default:
			out[e] = mailerlite.BatchResult{Err: err}
		}
	}
	return out, nil
}

func (a *fakeAPI) ListPage(_ context.Context, _ string, _ int) ([]model.Subscriber, string, error) {
	var out []model.Subscriber
	for _, s := range a.byEmail {
		out = append(out, *s)
	}
	return out, "", nil
}

func (a *fakeAPI) Create(_ context.Context, sub model.Subscriber) (*model.Subscriber, error) {
	if a.createErr != nil {
		return nil, a.createErr
	}
	a.creates = append(a.creates, sub)
	sub.ID = uuid.NewString()
	sub.Status = model.StatusActive
	return a.add(sub), nil
}

func (a *fakeAPI) Update(_ context.Context, id string, fields model.Fields) (*model.Subscriber, error) {
	if a.updateErr != nil {
		return nil, a.updateErr
	}
	s, ok := a.byID[id]
	if !ok {
		return nil, notFoundErr()
	}
	a.updates = append(a.updates, fields.Clone())
	for k, v := range fields {
		s.Fields[k] = v
	}
	cp := *s
	return &cp, nil
}
