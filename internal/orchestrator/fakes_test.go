package orchestrator

import (
	"context"
	"encoding/json"
	"sort"
	"strconv"
	"time"

	"github.com/praxis-crm/syncbridge/internal/mailerlite"
	"github.com/praxis-crm/syncbridge/internal/model"
	"github.com/praxis-crm/syncbridge/internal/storage"
	recsync "github.com/praxis-crm/syncbridge/internal/sync"
)

// fakeStore is an in-memory orchestrator Store. State values round-trip
// through JSON the same way the Postgres layer round-trips JSONB.
type fakeStore struct {
	clients   []model.Client
	crosswalk map[string]*model.CrosswalkRow
	shadows   map[string]*model.ShadowRow
	state     map[string]json.RawMessage
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		crosswalk: map[string]*model.CrosswalkRow{},
		shadows:   map[string]*model.ShadowRow{},
		state:     map[string]json.RawMessage{},
	}
}

func (f *fakeStore) CountClients(context.Context) (int, error) { return len(f.clients), nil }

func (f *fakeStore) PageClients(_ context.Context, offset, limit int) ([]model.Client, error) {
	sorted := append([]model.Client(nil), f.clients...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Email < sorted[j].Email })
	if offset >= len(sorted) {
		return nil, nil
	}
	end := min(offset+limit, len(sorted))
	return sorted[offset:end], nil
}

func (f *fakeStore) GetClientByEmail(_ context.Context, email string) (*model.Client, error) {
	for i := range f.clients {
		if f.clients[i].Email == email {
			c := f.clients[i]
			return &c, nil
		}
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

func (f *fakeStore) CountCrosswalkWithAID(context.Context) (int, error) {
	n := 0
	for _, r := range f.crosswalk {
		if r.AID != nil {
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) CountCrosswalkPairs(context.Context) (int, error) {
	n := 0
	for _, r := range f.crosswalk {
		if r.Complete() {
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) pageRows(offset, limit int, pred func(*model.CrosswalkRow) bool) []model.CrosswalkRow {
	var rows []model.CrosswalkRow
	for _, r := range f.crosswalk {
		if pred(r) {
			rows = append(rows, *r)
		}
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Email < rows[j].Email })
	if offset >= len(rows) {
		return nil
	}
	return rows[offset:min(offset+limit, len(rows))]
}

func (f *fakeStore) PageCrosswalkMissingBID(_ context.Context, offset, limit int) ([]model.CrosswalkRow, error) {
	return f.pageRows(offset, limit, func(r *model.CrosswalkRow) bool { return r.BID == nil }), nil
}

func (f *fakeStore) PageCrosswalkWithoutShadow(_ context.Context, offset, limit int) ([]model.CrosswalkRow, error) {
	return f.pageRows(offset, limit, func(r *model.CrosswalkRow) bool {
		_, shadowed := f.shadows[r.Email]
		return !shadowed
	}), nil
}

func (f *fakeStore) PageCrosswalkPairsWithoutShadow(_ context.Context, offset, limit int) ([]model.CrosswalkRow, error) {
	return f.pageRows(offset, limit, func(r *model.CrosswalkRow) bool {
		_, shadowed := f.shadows[r.Email]
		return r.Complete() && !shadowed
	}), nil
}

func (f *fakeStore) CountShadows(context.Context) (int, error) { return len(f.shadows), nil }

func (f *fakeStore) UpsertShadows(_ context.Context, rows []model.ShadowRow) error {
	for i := range rows {
		r := rows[i]
		f.shadows[r.Email] = &r
	}
	return nil
}

func (f *fakeStore) SetState(_ context.Context, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	f.state[key] = raw
	return nil
}

func (f *fakeStore) GetState(_ context.Context, key string, out any) error {
	raw, ok := f.state[key]
	if !ok {
		return storage.ErrNotFound
	}
	return json.Unmarshal(raw, out)
}

func (f *fakeStore) DeleteState(_ context.Context, key string) error {
	delete(f.state, key)
	return nil
}

// pagedAPI serves a fixed sequence of listing pages; page cursors are the
// page index in decimal. Lookup maps drive the other endpoints.
type pagedAPI struct {
	pages   [][]model.Subscriber
	byEmail map[string]*model.Subscriber
	byID    map[string]*model.Subscriber

	emailErr map[string]error
	batchErr error

	listCursors []string
}

func newPagedAPI() *pagedAPI {
	return &pagedAPI{
		byEmail:  map[string]*model.Subscriber{},
		byID:     map[string]*model.Subscriber{},
		emailErr: map[string]error{},
	}
}

func (a *pagedAPI) add(sub model.Subscriber) *model.Subscriber {
	s := sub
	a.byEmail[s.Email] = &s
	a.byID[s.ID] = &s
	return &s
}

func (a *pagedAPI) ListPage(_ context.Context, cursor string, _ int) ([]model.Subscriber, string, error) {
	a.listCursors = append(a.listCursors, cursor)
	idx := 0
	if cursor != "" {
		var err error
		if idx, err = strconv.Atoi(cursor); err != nil {
			return nil, "", err
		}
	}
	if idx >= len(a.pages) {
		return nil, "", nil
	}
	next := ""
	if idx+1 < len(a.pages) {
		next = strconv.Itoa(idx + 1)
	}
	return a.pages[idx], next, nil
}

func (a *pagedAPI) GetByEmail(_ context.Context, email string) (*model.Subscriber, error) {
	if err := a.emailErr[email]; err != nil {
		return nil, err
	}
	if s, ok := a.byEmail[email]; ok {
		cp := *s
		return &cp, nil
	}
	return nil, &mailerlite.APIError{Kind: mailerlite.KindNotFound, StatusCode: 404}
}

func (a *pagedAPI) GetByID(_ context.Context, id string) (*model.Subscriber, error) {
	if s, ok := a.byID[id]; ok {
		cp := *s
		return &cp, nil
	}
	return nil, &mailerlite.APIError{Kind: mailerlite.KindNotFound, StatusCode: 404}
}

func (a *pagedAPI) GetBatch(ctx context.Context, emails []string) (map[string]mailerlite.BatchResult, error) {
	if a.batchErr != nil {
		return nil, a.batchErr
	}
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

func (a *pagedAPI) Create(_ context.Context, sub model.Subscriber) (*model.Subscriber, error) {
	sub.ID = "created-" + sub.Email
	return a.add(sub), nil
}

func (a *pagedAPI) Update(_ context.Context, id string, fields model.Fields) (*model.Subscriber, error) {
	s, ok := a.byID[id]
	if !ok {
		return nil, &mailerlite.APIError{Kind: mailerlite.KindNotFound, StatusCode: 404}
	}
	for k, v := range fields {
		s.Fields[k] = v
	}
	cp := *s
	return &cp, nil
}

// recordingSyncer records executor invocations and returns canned outcomes.
type recordingSyncer struct {
	calls    []syncCall
	outcomes map[string]*recsync.Outcome
}

type syncCall struct {
	email string
	opts  recsync.Options
}

func (r *recordingSyncer) SyncRecord(_ context.Context, email string, opts recsync.Options) (*recsync.Outcome, error) {
	r.calls = append(r.calls, syncCall{email: email, opts: opts})
	if out, ok := r.outcomes[email]; ok {
		return out, nil
	}
	return &recsync.Outcome{Email: email, Skipped: true}, nil
}

func ptrI64(v int64) *int64    { return &v }
func ptrStr(v string) *string  { return &v }
func ptrTime(t time.Time) *time.Time { return &t }
