package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"vend/internal/classifier"
	"vend/internal/domain"
	sqsqueue "vend/internal/queue/sqs"
	"vend/internal/ranker"
	"vend/internal/scheduler"
	"vend/internal/store"
	"vend/internal/vendors"
)

type fakeStore struct {
	tx         domain.Transaction
	missing    bool
	statuses   []store.StatusUpdate
	vendStates []store.VendStateUpdate
	powerUnits []domain.PowerUnit
	events     []string
}

func (s *fakeStore) GetTransaction(_ context.Context, id string) (domain.Transaction, bool, error) {
	if s.missing || s.tx.ID != id {
		return domain.Transaction{}, false, nil
	}
	return s.tx, true, nil
}

func (s *fakeStore) MarkTransactionStatus(_ context.Context, in store.StatusUpdate) error {
	s.statuses = append(s.statuses, in)
	s.tx.Status = in.Status
	return nil
}

func (s *fakeStore) SetVendState(_ context.Context, in store.VendStateUpdate) error {
	s.vendStates = append(s.vendStates, in)
	s.tx.Superagent = in.Superagent
	s.tx.Reference = in.Reference
	s.tx.PreviousVendors = in.PreviousVendors
	s.tx.RetryRecord = in.RetryRecord
	s.tx.IrechargeAccessToken = in.IrechargeAccessToken
	return nil
}

func (s *fakeStore) UpsertPowerUnit(_ context.Context, pu domain.PowerUnit) error {
	s.powerUnits = append(s.powerUnits, pu)
	return nil
}

func (s *fakeStore) InsertEvent(_ context.Context, _, name string, _ any, _ time.Time) error {
	s.events = append(s.events, name)
	return nil
}

func (s *fakeStore) HasEvent(_ context.Context, _, name string) (bool, error) {
	for _, e := range s.events {
		if e == name {
			return true, nil
		}
	}
	return false, nil
}

type fakeNotifier struct {
	partner, user int
	lastToken     string
}

func (n *fakeNotifier) NotifyPartner(_ context.Context, _, _, token string) {
	n.partner++
	n.lastToken = token
}

func (n *fakeNotifier) NotifyUser(_ context.Context, _, _, _ string) { n.user++ }

type fakePublisher struct {
	published []sqsqueue.VendEvent
}

func (f *fakePublisher) Publish(_ context.Context, ev sqsqueue.VendEvent) error {
	f.published = append(f.published, ev)
	return nil
}

type fakeClient struct {
	vendor    domain.Vendor
	resp      vendors.Response
	err       error
	purchases int
	requeries int
	validates int
	token     string
}

func (c *fakeClient) Vendor() domain.Vendor { return c.vendor }

func (c *fakeClient) Purchase(_ context.Context, _ vendors.PurchaseRequest) (vendors.Response, error) {
	c.purchases++
	return c.resp, c.err
}

func (c *fakeClient) Requery(_ context.Context, _ vendors.RequeryRequest) (vendors.Response, error) {
	c.requeries++
	return c.resp, c.err
}

func (c *fakeClient) Validate(_ context.Context, _ vendors.ValidateRequest) (vendors.ValidateResult, error) {
	c.validates++
	return vendors.ValidateResult{AccessToken: c.token}, nil
}

// fakeRules classifies on a single STATUS field: "00" succeeds, "SW"
// switches, "RQ" requeries.
type fakeRules struct{}

func (fakeRules) ResponsePaths(_ context.Context, rt domain.RequestType, v domain.Vendor, _ bool) ([]classifier.ResponsePath, error) {
	return []classifier.ResponsePath{
		{RequestType: rt, Vendor: v, Path: "status", RefCode: "STATUS"},
		{RequestType: rt, Vendor: v, Path: "token", RefCode: classifier.RefCodeToken},
		{RequestType: rt, Vendor: v, Path: "units", RefCode: classifier.RefCodeTokenUnits},
	}, nil
}

func (fakeRules) ErrorCodes(_ context.Context, _ domain.RequestType, _ domain.Vendor) ([]classifier.ErrorCode, error) {
	return []classifier.ErrorCode{
		{Expect: map[string]string{"STATUS": "00"}, MasterResponseCode: classifier.ActionSuccess},
		{Expect: map[string]string{"STATUS": "SW"}, MasterResponseCode: classifier.ActionSwitch},
		{Expect: map[string]string{"STATUS": "RQ"}, MasterResponseCode: classifier.ActionRequery},
	}, nil
}

type fakeProducts struct{}

func (fakeProducts) ListVendorProducts(_ context.Context, _ string) ([]domain.VendorProduct, error) {
	return []domain.VendorProduct{
		{Vendor: domain.Buypower, ProductID: "prod-1", Commission: 0.02, Code: "BP-IKEDC"},
		{Vendor: domain.Baxi, ProductID: "prod-1", Commission: 0.015, Code: "BX-IKEDC"},
		{Vendor: domain.Irecharge, ProductID: "prod-1", Commission: 0.01, Code: "IR-IKEDC"},
	}, nil
}

func testPolicy() Policy {
	return Policy{
		MaxRequeryPerVendor:     5,
		RetryBeforeSwitch:       4,
		StaleCeiling:            2 * time.Hour,
		RequeryBackoff:          []int{1, 10, 10},
		SwitchBackoff:           []int{5, 10},
		IrechargeMinRequeryWait: 30,
	}
}

func baseTx() domain.Transaction {
	return domain.Transaction{
		ID:                   "tx-1",
		Reference:            "bp-ref-1",
		BankRefID:            "bank-1",
		UtilityType:          domain.UtilityElectricity,
		VendType:             domain.Prepaid,
		MeterNumber:          "04123456789",
		Disco:                "IKEDC",
		Amount:               "1000",
		ProductCodeID:        "prod-1",
		Status:               domain.StatusInProgress,
		Superagent:           domain.Buypower,
		PreviousVendors:      []domain.Vendor{domain.Buypower},
		TransactionTimestamp: time.Now().UTC().Add(-time.Minute),
	}
}

func newProcessor(st *fakeStore, pub *fakePublisher, clients ...vendors.Client) (*Processor, *fakeNotifier) {
	notif := &fakeNotifier{}
	return &Processor{
		Store:      st,
		Vendors:    vendors.NewRegistry(clients...),
		Classifier: &classifier.Classifier{Rules: fakeRules{}},
		Ranker:     &ranker.Ranker{Products: fakeProducts{}},
		Sched:      &scheduler.Scheduler{Queue: pub},
		Notifier:   notif,
		Policy:     testPolicy(),
	}, notif
}

func TestHandleSuccessCompletesOnce(t *testing.T) {
	st := &fakeStore{tx: baseTx()}
	pub := &fakePublisher{}
	client := &fakeClient{vendor: domain.Buypower, resp: vendors.Response{
		HTTPStatus: 200,
		Body:       map[string]any{"status": "00", "token": "1234-5678", "units": "45.2"},
	}}
	p, notif := newProcessor(st, pub, client)

	ev := sqsqueue.VendEvent{TransactionID: "tx-1", Step: sqsqueue.StepRequery, RetryCount: 1}
	if err := p.Handle(context.Background(), ev); err != nil {
		t.Fatal(err)
	}

	if st.tx.Status != domain.StatusComplete {
		t.Fatalf("expected complete, got %s", st.tx.Status)
	}
	if len(st.powerUnits) != 1 || st.powerUnits[0].Token != "1234-5678" {
		t.Fatalf("expected one power unit with the token, got %+v", st.powerUnits)
	}
	if notif.partner != 1 || notif.user != 1 {
		t.Fatalf("expected one notification each, got partner=%d user=%d", notif.partner, notif.user)
	}
	if notif.lastToken != "1234-5678" {
		t.Fatalf("notification must carry the token, got %q", notif.lastToken)
	}

	// A confirmation requery must be queued behind the completion.
	if len(pub.published) != 1 {
		t.Fatalf("expected 1 scheduled envelope, got %d", len(pub.published))
	}
	conf := pub.published[0]
	if !conf.Confirm || conf.Step != sqsqueue.StepRequery {
		t.Fatalf("expected confirmation requery, got %+v", conf)
	}

	// The confirmation delivery re-checks the vendor but must not repeat
	// any side effect: the token-received event guards them.
	conf.TimeStamp = conf.TimeStamp.Add(-time.Minute) // past its delay
	if err := p.Handle(context.Background(), conf); err != nil {
		t.Fatal(err)
	}
	if notif.partner != 1 || len(st.powerUnits) != 1 || len(st.statuses) != 1 {
		t.Fatalf("confirmation must be side-effect free, got partner=%d powerUnits=%d statuses=%d",
			notif.partner, len(st.powerUnits), len(st.statuses))
	}
	if client.requeries != 2 {
		t.Fatalf("confirmation must still ask the vendor, got %d requeries", client.requeries)
	}
}

func TestHandleTerminalDuplicateNoops(t *testing.T) {
	tx := baseTx()
	tx.Status = domain.StatusComplete
	st := &fakeStore{tx: tx}
	pub := &fakePublisher{}
	client := &fakeClient{vendor: domain.Buypower}
	p, notif := newProcessor(st, pub, client)

	ev := sqsqueue.VendEvent{TransactionID: "tx-1", Step: sqsqueue.StepRequery, RetryCount: 2}
	if err := p.Handle(context.Background(), ev); err != nil {
		t.Fatal(err)
	}
	if client.requeries != 0 || client.purchases != 0 {
		t.Fatalf("duplicate delivery must not reach the vendor")
	}
	if notif.partner != 0 || len(pub.published) != 0 {
		t.Fatalf("duplicate delivery must have no side effects")
	}
}

func TestHandleUnknownTransactionDropped(t *testing.T) {
	st := &fakeStore{missing: true}
	pub := &fakePublisher{}
	p, _ := newProcessor(st, pub, &fakeClient{vendor: domain.Buypower})

	if err := p.Handle(context.Background(), sqsqueue.VendEvent{TransactionID: "nope"}); err != nil {
		t.Fatalf("unknown transaction must be dropped, not retried: %v", err)
	}
}

func TestHandleEarlyDeliveryRescheduled(t *testing.T) {
	st := &fakeStore{tx: baseTx()}
	pub := &fakePublisher{}
	client := &fakeClient{vendor: domain.Buypower}
	p, _ := newProcessor(st, pub, client)

	ev := sqsqueue.VendEvent{
		TransactionID: "tx-1",
		Step:          sqsqueue.StepRequery,
		RetryCount:    3,
		TimeStamp:     time.Now().UTC(),
		DelaySeconds:  600,
	}
	if err := p.Handle(context.Background(), ev); err != nil {
		t.Fatal(err)
	}

	if client.requeries != 0 {
		t.Fatalf("early delivery must not reach the vendor")
	}
	if len(pub.published) != 1 {
		t.Fatalf("early delivery must be re-published, got %d", len(pub.published))
	}
	got := pub.published[0]
	if got.RetryCount != 3 || got.DelaySeconds != 600 || !got.TimeStamp.Equal(ev.TimeStamp) {
		t.Fatalf("re-published envelope must be unchanged: %+v", got)
	}
}

func TestHandleStaleTransactionFlagged(t *testing.T) {
	tx := baseTx()
	tx.TransactionTimestamp = time.Now().UTC().Add(-3 * time.Hour)
	st := &fakeStore{tx: tx}
	pub := &fakePublisher{}
	client := &fakeClient{vendor: domain.Buypower}
	p, _ := newProcessor(st, pub, client)

	ev := sqsqueue.VendEvent{TransactionID: "tx-1", Step: sqsqueue.StepRequery, RetryCount: 1}
	if err := p.Handle(context.Background(), ev); err != nil {
		t.Fatal(err)
	}

	if st.tx.Status != domain.StatusFlagged {
		t.Fatalf("expected flagged, got %s", st.tx.Status)
	}
	if client.requeries != 0 {
		t.Fatalf("stale transaction must be flagged before any vendor call")
	}
	if len(st.events) != 1 || st.events[0] != domain.EventFlagged {
		t.Fatalf("expected flagged event, got %v", st.events)
	}
	if len(pub.published) != 0 {
		t.Fatalf("flagging must end the loop, got %d envelopes", len(pub.published))
	}
}

func TestHandleRequerySchedulesNextCycle(t *testing.T) {
	st := &fakeStore{tx: baseTx()}
	pub := &fakePublisher{}
	client := &fakeClient{vendor: domain.Buypower, resp: vendors.Response{
		HTTPStatus: 200, Body: map[string]any{"status": "RQ"},
	}}
	p, _ := newProcessor(st, pub, client)

	ev := sqsqueue.VendEvent{TransactionID: "tx-1", Step: sqsqueue.StepRequery, RetryCount: 2}
	if err := p.Handle(context.Background(), ev); err != nil {
		t.Fatal(err)
	}

	if len(pub.published) != 1 {
		t.Fatalf("expected 1 scheduled requery, got %d", len(pub.published))
	}
	got := pub.published[0]
	if got.Step != sqsqueue.StepRequery || got.RetryCount != 3 {
		t.Fatalf("expected requery cycle 3, got %+v", got)
	}
	if got.DelaySeconds != 10 {
		t.Fatalf("expected backoff table index 3 (10s), got %d", got.DelaySeconds)
	}
	if len(st.events) != 1 || st.events[0] != domain.EventRequeryScheduled {
		t.Fatalf("expected requery_scheduled event, got %v", st.events)
	}
}

func TestHandleRequeryMinWait(t *testing.T) {
	tx := baseTx()
	tx.Superagent = domain.Irecharge
	st := &fakeStore{tx: tx}
	pub := &fakePublisher{}
	client := &fakeClient{vendor: domain.Irecharge, resp: vendors.Response{
		HTTPStatus: 200, Body: map[string]any{"status": "RQ"},
	}}
	p, _ := newProcessor(st, pub, client)

	// Cycle 1 would wait 1s off the table; the vendor floor lifts it to 30s.
	ev := sqsqueue.VendEvent{TransactionID: "tx-1", Step: sqsqueue.StepRequery, RetryCount: 0}
	if err := p.Handle(context.Background(), ev); err != nil {
		t.Fatal(err)
	}

	if len(pub.published) != 1 || pub.published[0].DelaySeconds != 30 {
		t.Fatalf("expected 30s floor, got %+v", pub.published)
	}
}

func TestHandleRequeryLimitFlags(t *testing.T) {
	st := &fakeStore{tx: baseTx()}
	pub := &fakePublisher{}
	client := &fakeClient{vendor: domain.Buypower, resp: vendors.Response{
		HTTPStatus: 200, Body: map[string]any{"status": "RQ"},
	}}
	p, _ := newProcessor(st, pub, client)

	ev := sqsqueue.VendEvent{TransactionID: "tx-1", Step: sqsqueue.StepRequery, RetryCount: 5}
	if err := p.Handle(context.Background(), ev); err != nil {
		t.Fatal(err)
	}

	if st.tx.Status != domain.StatusFlagged {
		t.Fatalf("expected flagged after requery ceiling, got %s", st.tx.Status)
	}
	if len(pub.published) != 0 {
		t.Fatalf("flagging must not schedule further work")
	}
}

func TestHandleSwitchStaysBelowThreshold(t *testing.T) {
	tx := baseTx()
	tx.RetryRecord = domain.RetryRecord{{Vendor: domain.Buypower, RetryCount: 1, Attempt: 1, References: []string{tx.Reference}}}
	st := &fakeStore{tx: tx}
	pub := &fakePublisher{}
	client := &fakeClient{vendor: domain.Buypower, resp: vendors.Response{
		HTTPStatus: 400, Body: map[string]any{"status": "SW"},
	}}
	p, _ := newProcessor(st, pub, client)

	ev := sqsqueue.VendEvent{TransactionID: "tx-1", Step: sqsqueue.StepRequery, RetryCount: 1}
	if err := p.Handle(context.Background(), ev); err != nil {
		t.Fatal(err)
	}

	if st.tx.Superagent != domain.Buypower {
		t.Fatalf("below threshold the vendor must not change, got %s", st.tx.Superagent)
	}
	if len(st.tx.RetryRecord) != 1 || st.tx.RetryRecord[0].RetryCount != 2 {
		t.Fatalf("ledger must increment in place, got %+v", st.tx.RetryRecord)
	}
	if st.tx.Reference == "bp-ref-1" {
		t.Fatalf("retry must run under a fresh reference")
	}
	if len(pub.published) != 1 || pub.published[0].Step != sqsqueue.StepVend {
		t.Fatalf("expected a scheduled vend, got %+v", pub.published)
	}
	if pub.published[0].DelaySeconds != 10 {
		t.Fatalf("expected switch backoff index 2 (10s), got %d", pub.published[0].DelaySeconds)
	}
}

func TestHandleSwitchMovesAtThreshold(t *testing.T) {
	tx := baseTx()
	tx.RetryRecord = domain.RetryRecord{{Vendor: domain.Buypower, RetryCount: 4, Attempt: 4, References: []string{tx.Reference}}}
	st := &fakeStore{tx: tx}
	pub := &fakePublisher{}
	bp := &fakeClient{vendor: domain.Buypower, resp: vendors.Response{
		HTTPStatus: 400, Body: map[string]any{"status": "SW"},
	}}
	bx := &fakeClient{vendor: domain.Baxi}
	p, _ := newProcessor(st, pub, bp, bx)

	ev := sqsqueue.VendEvent{TransactionID: "tx-1", Step: sqsqueue.StepRequery, RetryCount: 1}
	if err := p.Handle(context.Background(), ev); err != nil {
		t.Fatal(err)
	}

	if st.tx.Superagent != domain.Baxi {
		t.Fatalf("expected switch to next-best vendor, got %s", st.tx.Superagent)
	}
	if len(st.tx.RetryRecord) != 2 || st.tx.RetryRecord[1].Vendor != domain.Baxi || st.tx.RetryRecord[1].RetryCount != 1 {
		t.Fatalf("ledger must push a fresh entry for the new vendor, got %+v", st.tx.RetryRecord)
	}
	if !st.tx.HasTried(domain.Baxi) {
		t.Fatalf("previousVendors must record the new vendor")
	}
	found := false
	for _, e := range st.events {
		if e == domain.EventVendorSwitched {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected vendor_switched event, got %v", st.events)
	}
	if len(pub.published) != 1 || pub.published[0].Step != sqsqueue.StepVend {
		t.Fatalf("expected a scheduled vend on the new vendor, got %+v", pub.published)
	}
}

func TestHandleSwitchToIrechargeRefreshesSession(t *testing.T) {
	tx := baseTx()
	tx.PreviousVendors = []domain.Vendor{domain.Buypower, domain.Baxi}
	tx.RetryRecord = domain.RetryRecord{{Vendor: domain.Buypower, RetryCount: 4, Attempt: 4, References: []string{tx.Reference}}}
	st := &fakeStore{tx: tx}
	pub := &fakePublisher{}
	bp := &fakeClient{vendor: domain.Buypower, resp: vendors.Response{
		HTTPStatus: 400, Body: map[string]any{"status": "SW"},
	}}
	ir := &fakeClient{vendor: domain.Irecharge, token: "sess-abc"}
	p, _ := newProcessor(st, pub, bp, ir)

	ev := sqsqueue.VendEvent{TransactionID: "tx-1", Step: sqsqueue.StepRequery, RetryCount: 1}
	if err := p.Handle(context.Background(), ev); err != nil {
		t.Fatal(err)
	}

	if st.tx.Superagent != domain.Irecharge {
		t.Fatalf("expected switch to irecharge, got %s", st.tx.Superagent)
	}
	if ir.validates != 1 || st.tx.IrechargeAccessToken != "sess-abc" {
		t.Fatalf("switch to irecharge must obtain a session token, got validates=%d token=%q",
			ir.validates, st.tx.IrechargeAccessToken)
	}
}

func TestHandleSwitchWithoutBankRefFails(t *testing.T) {
	tx := baseTx()
	tx.BankRefID = ""
	st := &fakeStore{tx: tx}
	pub := &fakePublisher{}
	client := &fakeClient{vendor: domain.Buypower, resp: vendors.Response{
		HTTPStatus: 400, Body: map[string]any{"status": "SW"},
	}}
	p, _ := newProcessor(st, pub, client)

	ev := sqsqueue.VendEvent{TransactionID: "tx-1", Step: sqsqueue.StepRequery, RetryCount: 1}
	err := p.Handle(context.Background(), ev)
	if !errors.Is(err, domain.ErrMissingBankRef) {
		t.Fatalf("expected ErrMissingBankRef, got %v", err)
	}
	if len(pub.published) != 0 || len(st.vendStates) != 0 {
		t.Fatalf("unconfirmed payment must not be resubmitted anywhere")
	}
}

func TestHandleVendStepTransportErrorRequeries(t *testing.T) {
	st := &fakeStore{tx: baseTx()}
	pub := &fakePublisher{}
	client := &fakeClient{vendor: domain.Buypower, err: errors.New("connection reset")}
	p, _ := newProcessor(st, pub, client)

	ev := sqsqueue.VendEvent{TransactionID: "tx-1", Step: sqsqueue.StepVend, RetryCount: 0}
	if err := p.Handle(context.Background(), ev); err != nil {
		t.Fatal(err)
	}

	if client.purchases != 1 {
		t.Fatalf("vend step must call purchase, got %d", client.purchases)
	}
	if len(pub.published) != 1 || pub.published[0].Step != sqsqueue.StepRequery || pub.published[0].RetryCount != 1 {
		t.Fatalf("transport failure must degrade to a requery, got %+v", pub.published)
	}
}

func TestHandlePostpaidSuccessSkipsPowerUnit(t *testing.T) {
	tx := baseTx()
	tx.VendType = domain.Postpaid
	st := &fakeStore{tx: tx}
	pub := &fakePublisher{}
	client := &fakeClient{vendor: domain.Buypower, resp: vendors.Response{
		HTTPStatus: 200, Body: map[string]any{"status": "00"},
	}}
	p, notif := newProcessor(st, pub, client)

	ev := sqsqueue.VendEvent{TransactionID: "tx-1", Step: sqsqueue.StepRequery, RetryCount: 1}
	if err := p.Handle(context.Background(), ev); err != nil {
		t.Fatal(err)
	}

	if len(st.powerUnits) != 0 {
		t.Fatalf("postpaid success must not mint a power unit")
	}
	if st.tx.Status != domain.StatusComplete || notif.partner != 1 {
		t.Fatalf("postpaid success must still complete and notify")
	}
}
