package service

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/vibast-solutions/ms-go-checkout/app/checkout"
	"github.com/vibast-solutions/ms-go-checkout/app/entity"
	"github.com/vibast-solutions/ms-go-checkout/app/notification"
	"github.com/vibast-solutions/ms-go-checkout/app/rail"
	"github.com/vibast-solutions/ms-go-checkout/app/repository"
	"github.com/vibast-solutions/ms-go-checkout/app/settlement"
	"github.com/vibast-solutions/ms-go-checkout/config"
)

type serviceOrderRepo struct {
	orders    map[uint64]*entity.Order
	nextID    uint64
	createErr error
	updateErr error
}

func newServiceOrderRepo() *serviceOrderRepo {
	return &serviceOrderRepo{orders: map[uint64]*entity.Order{}, nextID: 1}
}

func (r *serviceOrderRepo) Create(_ context.Context, order *entity.Order) error {
	if r.createErr != nil {
		return r.createErr
	}
	for _, item := range r.orders {
		if item.SessionID == order.SessionID {
			return repository.ErrOrderAlreadyExists
		}
	}
	id := r.nextID
	r.nextID++
	copyItem := *order
	copyItem.ID = id
	r.orders[id] = &copyItem
	order.ID = id
	return nil
}

func (r *serviceOrderRepo) Update(_ context.Context, order *entity.Order) error {
	if r.updateErr != nil {
		return r.updateErr
	}
	if _, ok := r.orders[order.ID]; !ok {
		return repository.ErrOrderNotFound
	}
	copyItem := *order
	r.orders[order.ID] = &copyItem
	return nil
}

func (r *serviceOrderRepo) FindByID(_ context.Context, id uint64) (*entity.Order, error) {
	item, ok := r.orders[id]
	if !ok {
		return nil, nil
	}
	copyItem := *item
	return &copyItem, nil
}

func (r *serviceOrderRepo) FindBySessionID(_ context.Context, sessionID string) (*entity.Order, error) {
	for _, item := range r.orders {
		if item.SessionID == sessionID {
			copyItem := *item
			return &copyItem, nil
		}
	}
	return nil, nil
}

func (r *serviceOrderRepo) ListDueNotifyDispatch(_ context.Context, now time.Time, limit int32) ([]*entity.Order, error) {
	items := make([]*entity.Order, 0)
	for _, item := range r.orders {
		if item.NotifyDeliveryStatus == entity.NotifyDeliveryPending && item.NotifyDeliveryNextAt != nil && !item.NotifyDeliveryNextAt.After(now) {
			copyItem := *item
			items = append(items, &copyItem)
		}
	}
	return limitOrders(items, limit), nil
}

func (r *serviceOrderRepo) ListPendingLedger(_ context.Context, limit int32) ([]*entity.Order, error) {
	items := make([]*entity.Order, 0)
	for _, item := range r.orders {
		if item.Status == entity.OrderStatusCompleted && item.LedgerStatus == entity.LedgerStatusPending {
			copyItem := *item
			items = append(items, &copyItem)
		}
	}
	return limitOrders(items, limit), nil
}

func limitOrders(items []*entity.Order, limit int32) []*entity.Order {
	if limit <= 0 || int(limit) >= len(items) {
		return items
	}
	return items[:limit]
}

type serviceLedgerRepo struct {
	entries   map[uint64]*entity.LedgerEntry
	nextID    uint64
	createErr error
}

func newServiceLedgerRepo() *serviceLedgerRepo {
	return &serviceLedgerRepo{entries: map[uint64]*entity.LedgerEntry{}, nextID: 1}
}

func (r *serviceLedgerRepo) Create(_ context.Context, entry *entity.LedgerEntry) error {
	if r.createErr != nil {
		return r.createErr
	}
	for _, item := range r.entries {
		if item.OrderID == entry.OrderID {
			return repository.ErrLedgerEntryAlreadyExists
		}
	}
	id := r.nextID
	r.nextID++
	copyItem := *entry
	copyItem.ID = id
	r.entries[id] = &copyItem
	entry.ID = id
	return nil
}

func (r *serviceLedgerRepo) FindByOrderID(_ context.Context, orderID uint64) (*entity.LedgerEntry, error) {
	for _, item := range r.entries {
		if item.OrderID == orderID {
			copyItem := *item
			return &copyItem, nil
		}
	}
	return nil, nil
}

type serviceEventRepo struct {
	events []*entity.OrderEvent
}

func (r *serviceEventRepo) Create(_ context.Context, event *entity.OrderEvent) error {
	copyItem := *event
	r.events = append(r.events, &copyItem)
	return nil
}

func (r *serviceEventRepo) typesSeen() map[string]int {
	seen := map[string]int{}
	for _, event := range r.events {
		seen[event.EventType]++
	}
	return seen
}

type serviceProductRepo struct {
	products map[string]*entity.Product
}

func newServiceProductRepo() *serviceProductRepo {
	return &serviceProductRepo{products: map[string]*entity.Product{
		"prod-1": {
			ID:            "prod-1",
			Title:         "GST Compliance Pack",
			Category:      "tax",
			PriceCents:    2699900,
			DocumentCount: 4,
		},
	}}
}

func (r *serviceProductRepo) FindByID(_ context.Context, id string) (*entity.Product, error) {
	item, ok := r.products[id]
	if !ok {
		return nil, nil
	}
	copyItem := *item
	return &copyItem, nil
}

type serviceNotifier struct {
	sent    []*notifications
	sendErr error
}

type notifications struct {
	confirmation *notification.Confirmation
}

func (n *serviceNotifier) SendConfirmation(_ context.Context, confirmation *notification.Confirmation) error {
	if n.sendErr != nil {
		return n.sendErr
	}
	copyItem := *confirmation
	n.sent = append(n.sent, &notifications{confirmation: &copyItem})
	return nil
}

type fakeCardRail struct {
	result   *rail.AttemptResult
	err      error
	attempts []*rail.AttemptInput
}

func (f *fakeCardRail) Code() int32 {
	return rail.CodeCard
}

func (f *fakeCardRail) Attempt(_ context.Context, input *rail.AttemptInput) (*rail.AttemptResult, error) {
	copyItem := *input
	f.attempts = append(f.attempts, &copyItem)
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

type fakeDeepLinkRail struct {
	resolution    *rail.Resolution
	resolutionErr error
	attempts      []*rail.AttemptInput
	onAttempt     func()
}

func (f *fakeDeepLinkRail) Code() int32 {
	return rail.CodeDeepLink
}

func (f *fakeDeepLinkRail) Attempt(_ context.Context, input *rail.AttemptInput) (*rail.AttemptResult, error) {
	copyItem := *input
	f.attempts = append(f.attempts, &copyItem)
	if f.onAttempt != nil {
		f.onAttempt()
	}
	return &rail.AttemptResult{
		Outcome:            rail.OutcomePendingSettlement,
		ExternalPaymentRef: input.AttemptRef,
		AmountCents:        input.AmountCents,
		PaymentURI:         "upi://pay?pa=store%40upi&tr=" + input.AttemptRef,
		QRImageURL:         "https://qr.example/v1/create?data=x",
	}, nil
}

func (f *fakeDeepLinkRail) VerifyResolution([]byte, string) (*rail.Resolution, error) {
	if f.resolutionErr != nil {
		return nil, f.resolutionErr
	}
	return f.resolution, nil
}

type serviceFixture struct {
	svc       *CheckoutService
	orderRepo *serviceOrderRepo
	ledger    *serviceLedgerRepo
	events    *serviceEventRepo
	notifier  *serviceNotifier
	sessions    *checkout.Store
	settlements *settlement.Controller
	card        *fakeCardRail
	deepLink    *fakeDeepLinkRail
}

func newServiceFixture(window time.Duration) *serviceFixture {
	orderRepo := newServiceOrderRepo()
	ledger := newServiceLedgerRepo()
	events := &serviceEventRepo{}
	notifier := &serviceNotifier{}
	sessions := checkout.NewStore()
	settlements := settlement.NewController(window)
	card := &fakeCardRail{result: &rail.AttemptResult{
		Outcome:            rail.OutcomeSucceeded,
		ExternalPaymentRef: "ch_test_1",
		AmountCents:        2699900,
		Metadata:           map[string]string{"card_brand": "visa"},
	}}
	deepLink := &fakeDeepLinkRail{}

	svc := NewCheckoutService(
		orderRepo,
		ledger,
		events,
		newServiceProductRepo(),
		rail.NewRegistry(card, deepLink),
		sessions,
		settlements,
		notifier,
		config.CheckoutConfig{
			Currency:               "INR",
			UPIEnabled:             true,
			SettlementWindow:       window,
			NotifyMaxAttempts:      3,
			NotifyRetryInterval:    time.Minute,
			LedgerRetryMaxAttempts: 2,
			JobBatchSize:           100,
		},
	)

	return &serviceFixture{
		svc:         svc,
		orderRepo:   orderRepo,
		ledger:      ledger,
		events:      events,
		notifier:    notifier,
		sessions:    sessions,
		settlements: settlements,
		card:        card,
		deepLink:    deepLink,
	}
}

func (f *serviceFixture) startReadySession(t *testing.T, railCode int32) *checkout.Session {
	t.Helper()
	ctx := context.Background()

	session, err := f.svc.StartSession(ctx, "prod-1")
	if err != nil {
		t.Fatalf("start session failed: %v", err)
	}
	if _, err := f.svc.SubmitCustomerInfo(ctx, session.ID, checkout.CustomerInfo{
		Name:  "Asha Verma",
		Email: "asha@example.in",
		Phone: "+919876543210",
	}); err != nil {
		t.Fatalf("submit customer info failed: %v", err)
	}
	session, err = f.svc.SelectRail(ctx, session.ID, railCode)
	if err != nil {
		t.Fatalf("select rail failed: %v", err)
	}
	return session
}

func testCard() *rail.CardDetails {
	return &rail.CardDetails{
		HolderName: "Asha Verma",
		Number:     "4242424242424242",
		ExpMonth:   12,
		ExpYear:    time.Now().Year() + 2,
		CVC:        "123",
	}
}

func TestStartSessionSnapshotsProduct(t *testing.T) {
	f := newServiceFixture(600 * time.Second)

	session, err := f.svc.StartSession(context.Background(), "prod-1")
	if err != nil {
		t.Fatalf("start session failed: %v", err)
	}
	if session.State != checkout.StateCollecting {
		t.Fatalf("expected collecting, got %s", session.State)
	}
	if session.AmountCents != 2699900 || session.Currency != "INR" {
		t.Fatalf("expected price snapshot 2699900 INR, got %d %s", session.AmountCents, session.Currency)
	}
	if session.ProductTitle != "GST Compliance Pack" || session.ProductDocumentCount != 4 {
		t.Fatalf("product snapshot missing: %+v", session)
	}
}

func TestStartSessionUnknownProduct(t *testing.T) {
	f := newServiceFixture(600 * time.Second)
	if _, err := f.svc.StartSession(context.Background(), "prod-404"); !errors.Is(err, ErrProductNotFound) {
		t.Fatalf("expected ErrProductNotFound, got %v", err)
	}
}

func TestSelectRailRequiresCompleteCustomerInfo(t *testing.T) {
	f := newServiceFixture(600 * time.Second)
	ctx := context.Background()

	session, err := f.svc.StartSession(ctx, "prod-1")
	if err != nil {
		t.Fatalf("start session failed: %v", err)
	}
	if _, err := f.svc.SubmitCustomerInfo(ctx, session.ID, checkout.CustomerInfo{Name: "Asha Verma"}); err != nil {
		t.Fatalf("submit partial info failed: %v", err)
	}

	if _, err := f.svc.SelectRail(ctx, session.ID, rail.CodeCard); !errors.Is(err, ErrMissingCustomerInfo) {
		t.Fatalf("expected ErrMissingCustomerInfo, got %v", err)
	}

	got, err := f.svc.GetSession(ctx, session.ID)
	if err != nil {
		t.Fatalf("get session failed: %v", err)
	}
	if got.State != checkout.StateCollecting {
		t.Fatalf("rejected rail selection must not advance state, got %s", got.State)
	}
}

func TestSelectRailDeepLinkBlockedWhenDisabled(t *testing.T) {
	f := newServiceFixture(600 * time.Second)
	ctx := context.Background()

	session, err := f.svc.StartSession(ctx, "prod-1")
	if err != nil {
		t.Fatalf("start session failed: %v", err)
	}
	f.sessions.Mutate(session.ID, func(s *checkout.Session) error {
		s.UPIEnabled = false
		return nil
	})
	if _, err := f.svc.SubmitCustomerInfo(ctx, session.ID, checkout.CustomerInfo{
		Name: "Asha Verma", Email: "asha@example.in", Phone: "+919876543210",
	}); err != nil {
		t.Fatalf("submit customer info failed: %v", err)
	}

	if _, err := f.svc.SelectRail(ctx, session.ID, rail.CodeDeepLink); !errors.Is(err, ErrRailUnsupported) {
		t.Fatalf("expected ErrRailUnsupported, got %v", err)
	}
}

func TestCardAttemptCommitsOrderLedgerAndNotification(t *testing.T) {
	f := newServiceFixture(600 * time.Second)
	session := f.startReadySession(t, rail.CodeCard)

	output, err := f.svc.Attempt(context.Background(), session.ID, testCard())
	if err != nil {
		t.Fatalf("attempt failed: %v", err)
	}
	if output.Session.State != checkout.StateSucceeded {
		t.Fatalf("expected succeeded, got %s", output.Session.State)
	}
	if output.Order == nil {
		t.Fatal("expected committed order")
	}
	if output.Order.AmountCents != 2699900 || output.Order.ExternalPaymentRef != "ch_test_1" {
		t.Fatalf("order fields wrong: %+v", output.Order)
	}
	if output.Order.LedgerStatus != entity.LedgerStatusRecorded {
		t.Fatalf("expected ledger recorded, got %d", output.Order.LedgerStatus)
	}

	entry, err := f.ledger.FindByOrderID(context.Background(), output.Order.ID)
	if err != nil || entry == nil {
		t.Fatalf("expected ledger entry, got %v %v", entry, err)
	}
	if entry.AmountCents != 2699900 || entry.ExternalPaymentRef != "ch_test_1" {
		t.Fatalf("ledger entry fields wrong: %+v", entry)
	}

	if len(f.notifier.sent) != 1 {
		t.Fatalf("expected exactly one confirmation, got %d", len(f.notifier.sent))
	}
	confirmation := f.notifier.sent[0].confirmation
	if confirmation.FormattedPrice != "₹26,999.00" {
		t.Fatalf("unexpected formatted price %q", confirmation.FormattedPrice)
	}
	if confirmation.CustomerEmail != "asha@example.in" {
		t.Fatalf("unexpected recipient %q", confirmation.CustomerEmail)
	}

	seen := f.events.typesSeen()
	if seen["order_created"] != 1 || seen["ledger_recorded"] != 1 {
		t.Fatalf("expected audit events, got %v", seen)
	}
}

func TestCardAttemptRejectsInvalidCardBeforeConsumingAttempt(t *testing.T) {
	f := newServiceFixture(600 * time.Second)
	session := f.startReadySession(t, rail.CodeCard)

	card := testCard()
	card.Number = "4242424242424241"

	_, err := f.svc.Attempt(context.Background(), session.ID, card)
	var validationErr *rail.ValidationError
	if !errors.As(err, &validationErr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}

	got, err := f.svc.GetSession(context.Background(), session.ID)
	if err != nil {
		t.Fatalf("get session failed: %v", err)
	}
	if got.State != checkout.StateRailSelected {
		t.Fatalf("typo must not consume the attempt, got %s", got.State)
	}
	if len(f.card.attempts) != 0 {
		t.Fatalf("rail must not be driven for invalid fields, saw %d attempts", len(f.card.attempts))
	}
}

func TestCardDeclineThenRetryProducesFreshAttemptRef(t *testing.T) {
	f := newServiceFixture(600 * time.Second)
	f.card.result = &rail.AttemptResult{
		Outcome:       rail.OutcomeFailed,
		AmountCents:   2699900,
		FailureReason: "insufficient funds",
	}
	session := f.startReadySession(t, rail.CodeCard)
	ctx := context.Background()

	output, err := f.svc.Attempt(ctx, session.ID, testCard())
	if err != nil {
		t.Fatalf("declined attempt should not error: %v", err)
	}
	if output.Session.State != checkout.StateFailed {
		t.Fatalf("expected failed, got %s", output.Session.State)
	}
	if output.FailureReason != "insufficient funds" {
		t.Fatalf("expected decline reason, got %q", output.FailureReason)
	}
	if output.Session.LastFailure.Kind != checkout.FailureDeclined {
		t.Fatalf("expected declined failure kind, got %v", output.Session.LastFailure.Kind)
	}

	retried, err := f.svc.Retry(ctx, session.ID)
	if err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if retried.State != checkout.StateCollecting {
		t.Fatalf("retry should return to collecting, got %s", retried.State)
	}
	if retried.AttemptCount != 1 {
		t.Fatalf("expected attempt count 1, got %d", retried.AttemptCount)
	}

	f.card.result = &rail.AttemptResult{
		Outcome:            rail.OutcomeSucceeded,
		ExternalPaymentRef: "ch_test_2",
		AmountCents:        2699900,
	}
	if _, err := f.svc.SelectRail(ctx, session.ID, rail.CodeCard); err != nil {
		t.Fatalf("re-select rail failed: %v", err)
	}
	if _, err := f.svc.Attempt(ctx, session.ID, testCard()); err != nil {
		t.Fatalf("second attempt failed: %v", err)
	}

	if len(f.card.attempts) != 2 {
		t.Fatalf("expected two rail attempts, got %d", len(f.card.attempts))
	}
	if f.card.attempts[0].AttemptRef == f.card.attempts[1].AttemptRef {
		t.Fatal("retry must mint a fresh attempt reference")
	}
}

func TestCardRailOutageFailsSessionAsUnavailable(t *testing.T) {
	f := newServiceFixture(600 * time.Second)
	f.card.err = rail.ErrRailUnavailable
	session := f.startReadySession(t, rail.CodeCard)

	_, err := f.svc.Attempt(context.Background(), session.ID, testCard())
	if !errors.Is(err, rail.ErrRailUnavailable) {
		t.Fatalf("expected ErrRailUnavailable, got %v", err)
	}

	got, _ := f.svc.GetSession(context.Background(), session.ID)
	if got.State != checkout.StateFailed {
		t.Fatalf("expected failed, got %s", got.State)
	}
	if got.LastFailure.Kind != checkout.FailureUnavailable {
		t.Fatalf("expected unavailable failure kind, got %v", got.LastFailure.Kind)
	}
	if len(f.orderRepo.orders) != 0 {
		t.Fatal("no order may exist for an unavailable rail")
	}
}

func TestAttemptBlockedWhileAnotherIsInFlight(t *testing.T) {
	f := newServiceFixture(600 * time.Second)
	session := f.startReadySession(t, rail.CodeCard)

	if _, err := f.sessions.Acquire(session.ID); err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	defer f.sessions.Release(session.ID)

	if _, err := f.svc.Attempt(context.Background(), session.ID, testCard()); !errors.Is(err, ErrAttemptInFlight) {
		t.Fatalf("expected ErrAttemptInFlight, got %v", err)
	}
}

func TestDeepLinkAttemptReturnsPendingWithDeadline(t *testing.T) {
	f := newServiceFixture(600 * time.Second)
	session := f.startReadySession(t, rail.CodeDeepLink)

	before := time.Now().UTC()
	output, err := f.svc.Attempt(context.Background(), session.ID, nil)
	if err != nil {
		t.Fatalf("attempt failed: %v", err)
	}
	if output.Session.State != checkout.StateSettling {
		t.Fatalf("expected settling, got %s", output.Session.State)
	}
	if output.PaymentURI == "" || output.QRImageURL == "" {
		t.Fatalf("expected payment uri and qr, got %+v", output)
	}
	if output.SettlementDeadline == nil {
		t.Fatal("expected settlement deadline")
	}
	window := output.SettlementDeadline.Sub(before)
	if window < 599*time.Second || window > 601*time.Second {
		t.Fatalf("expected a 600s window, got %v", window)
	}
	if len(f.orderRepo.orders) != 0 {
		t.Fatal("no order may exist before settlement confirmation")
	}
}

func TestDeepLinkWebhookSuccessCommitsOrder(t *testing.T) {
	f := newServiceFixture(600 * time.Second)
	session := f.startReadySession(t, rail.CodeDeepLink)
	ctx := context.Background()

	if _, err := f.svc.Attempt(ctx, session.ID, nil); err != nil {
		t.Fatalf("attempt failed: %v", err)
	}
	live, _ := f.svc.GetSession(ctx, session.ID)

	f.deepLink.resolution = &rail.Resolution{
		AttemptRef:         live.AttemptRef,
		Succeeded:          true,
		ExternalPaymentRef: "upi-txn-9",
		Metadata:           map[string]string{"upi_txn_id": "upi-txn-9"},
	}
	if err := f.svc.HandleSettlementWebhook(ctx, rail.CodeDeepLink, live.AttemptRef, []byte(`{}`), "sig"); err != nil {
		t.Fatalf("webhook failed: %v", err)
	}

	got, _ := f.svc.GetSession(ctx, session.ID)
	if got.State != checkout.StateSucceeded {
		t.Fatalf("expected succeeded, got %s", got.State)
	}

	order, err := f.svc.GetOrderBySession(ctx, session.ID)
	if err != nil {
		t.Fatalf("expected committed order: %v", err)
	}
	if order.ExternalPaymentRef != "upi-txn-9" {
		t.Fatalf("unexpected payment ref %q", order.ExternalPaymentRef)
	}
	if order.LedgerStatus != entity.LedgerStatusRecorded {
		t.Fatalf("expected ledger recorded, got %d", order.LedgerStatus)
	}
	if len(f.notifier.sent) != 1 {
		t.Fatalf("expected one confirmation, got %d", len(f.notifier.sent))
	}
}

func TestDeepLinkWebhookFailureFailsSessionWithoutOrder(t *testing.T) {
	f := newServiceFixture(600 * time.Second)
	session := f.startReadySession(t, rail.CodeDeepLink)
	ctx := context.Background()

	if _, err := f.svc.Attempt(ctx, session.ID, nil); err != nil {
		t.Fatalf("attempt failed: %v", err)
	}
	live, _ := f.svc.GetSession(ctx, session.ID)

	f.deepLink.resolution = &rail.Resolution{
		AttemptRef: live.AttemptRef,
		Succeeded:  false,
		Reason:     "payment was not completed",
	}
	if err := f.svc.HandleSettlementWebhook(ctx, rail.CodeDeepLink, live.AttemptRef, []byte(`{}`), "sig"); err != nil {
		t.Fatalf("webhook failed: %v", err)
	}

	got, _ := f.svc.GetSession(ctx, session.ID)
	if got.State != checkout.StateFailed {
		t.Fatalf("expected failed, got %s", got.State)
	}
	if got.LastFailure.Kind != checkout.FailureDeclined {
		t.Fatalf("expected declined kind, got %v", got.LastFailure.Kind)
	}
	if len(f.orderRepo.orders) != 0 {
		t.Fatal("failed settlement must not create an order")
	}
}

func TestDeepLinkDuplicateWebhookIsIgnored(t *testing.T) {
	f := newServiceFixture(600 * time.Second)
	session := f.startReadySession(t, rail.CodeDeepLink)
	ctx := context.Background()

	if _, err := f.svc.Attempt(ctx, session.ID, nil); err != nil {
		t.Fatalf("attempt failed: %v", err)
	}
	live, _ := f.svc.GetSession(ctx, session.ID)

	f.deepLink.resolution = &rail.Resolution{
		AttemptRef:         live.AttemptRef,
		Succeeded:          true,
		ExternalPaymentRef: "upi-txn-9",
	}
	for i := 0; i < 3; i++ {
		if err := f.svc.HandleSettlementWebhook(ctx, rail.CodeDeepLink, live.AttemptRef, []byte(`{}`), "sig"); err != nil {
			t.Fatalf("webhook replay %d must stay a no-op: %v", i, err)
		}
	}

	if len(f.orderRepo.orders) != 1 {
		t.Fatalf("expected exactly one order, got %d", len(f.orderRepo.orders))
	}
	if len(f.notifier.sent) != 1 {
		t.Fatalf("expected exactly one confirmation, got %d", len(f.notifier.sent))
	}
}

func TestDeepLinkSettlementExpiry(t *testing.T) {
	f := newServiceFixture(50 * time.Millisecond)
	session := f.startReadySession(t, rail.CodeDeepLink)
	ctx := context.Background()

	if _, err := f.svc.Attempt(ctx, session.ID, nil); err != nil {
		t.Fatalf("attempt failed: %v", err)
	}

	time.Sleep(80 * time.Millisecond)
	if err := f.svc.RunExpireSweep(ctx); err != nil {
		t.Fatalf("expire sweep failed: %v", err)
	}

	got, _ := f.svc.GetSession(ctx, session.ID)
	if got.State != checkout.StateFailed {
		t.Fatalf("expected failed after expiry, got %s", got.State)
	}
	if got.LastFailure.Kind != checkout.FailureExpired {
		t.Fatalf("expected expired failure kind, got %v", got.LastFailure.Kind)
	}
	if len(f.orderRepo.orders) != 0 {
		t.Fatal("expired settlement must not create an order")
	}

	// The provider confirming after expiry changes nothing.
	live := got
	f.deepLink.resolution = &rail.Resolution{AttemptRef: live.AttemptRef, Succeeded: true}
	if err := f.svc.HandleSettlementWebhook(ctx, rail.CodeDeepLink, live.AttemptRef, []byte(`{}`), "sig"); err != nil {
		t.Fatalf("late webhook must stay a no-op: %v", err)
	}
	after, _ := f.svc.GetSession(ctx, session.ID)
	if after.State != checkout.StateFailed {
		t.Fatalf("late confirmation must not resurrect the session, got %s", after.State)
	}
	if len(f.orderRepo.orders) != 0 {
		t.Fatal("late confirmation must not create an order")
	}
}

func TestWebhookRejectedSignature(t *testing.T) {
	f := newServiceFixture(600 * time.Second)
	f.deepLink.resolutionErr = errors.New("invalid webhook signature")

	err := f.svc.HandleSettlementWebhook(context.Background(), rail.CodeDeepLink, "attempt-1", []byte(`{}`), "bad")
	if !errors.Is(err, ErrWebhookRejected) {
		t.Fatalf("expected ErrWebhookRejected, got %v", err)
	}
}

func TestWebhookOnSynchronousRailUnsupported(t *testing.T) {
	f := newServiceFixture(600 * time.Second)
	err := f.svc.HandleSettlementWebhook(context.Background(), rail.CodeCard, "attempt-1", []byte(`{}`), "sig")
	if !errors.Is(err, ErrRailUnsupported) {
		t.Fatalf("expected ErrRailUnsupported, got %v", err)
	}
}

func TestWebhookPathRefMismatchRejected(t *testing.T) {
	f := newServiceFixture(600 * time.Second)
	session := f.startReadySession(t, rail.CodeDeepLink)
	ctx := context.Background()

	if _, err := f.svc.Attempt(ctx, session.ID, nil); err != nil {
		t.Fatalf("attempt failed: %v", err)
	}
	live, _ := f.svc.GetSession(ctx, session.ID)

	f.deepLink.resolution = &rail.Resolution{
		AttemptRef:         live.AttemptRef,
		Succeeded:          true,
		ExternalPaymentRef: "upi-txn-9",
	}
	err := f.svc.HandleSettlementWebhook(ctx, rail.CodeDeepLink, "attempt-other", []byte(`{}`), "sig")
	if !errors.Is(err, ErrWebhookRejected) {
		t.Fatalf("expected ErrWebhookRejected on ref mismatch, got %v", err)
	}

	got, _ := f.svc.GetSession(ctx, session.ID)
	if got.State != checkout.StateSettling {
		t.Fatalf("mismatched webhook must not resolve the attempt, got %s", got.State)
	}
	if len(f.orderRepo.orders) != 0 {
		t.Fatal("mismatched webhook must not create an order")
	}
}

func TestSettlementNotRegisteredWhenSessionVanishesMidAttempt(t *testing.T) {
	f := newServiceFixture(600 * time.Second)
	session := f.startReadySession(t, rail.CodeDeepLink)
	ctx := context.Background()

	f.deepLink.onAttempt = func() {
		f.sessions.Delete(session.ID)
	}
	if _, err := f.svc.Attempt(ctx, session.ID, nil); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}

	if len(f.deepLink.attempts) != 1 {
		t.Fatalf("expected one rail attempt, got %d", len(f.deepLink.attempts))
	}
	attemptRef := f.deepLink.attempts[0].AttemptRef
	if _, ok := f.settlements.Deadline(attemptRef); ok {
		t.Fatal("attempt must not be registered for settlement without a settling session")
	}
}

func TestExpireSweepDiscardsStaleTerminalSessions(t *testing.T) {
	f := newServiceFixture(600 * time.Second)
	ctx := context.Background()

	succeeded := f.startReadySession(t, rail.CodeCard)
	if _, err := f.svc.Attempt(ctx, succeeded.ID, testCard()); err != nil {
		t.Fatalf("attempt failed: %v", err)
	}

	failed := f.startReadySession(t, rail.CodeCard)
	f.card.result = &rail.AttemptResult{
		Outcome:       rail.OutcomeFailed,
		AmountCents:   2699900,
		FailureReason: "insufficient funds",
	}
	if _, err := f.svc.Attempt(ctx, failed.ID, testCard()); err != nil {
		t.Fatalf("attempt failed: %v", err)
	}

	// Age the succeeded session past retention; the failed one stays fresh
	// so the shopper can still retry.
	stale := time.Now().UTC().Add(-time.Hour)
	_ = f.sessions.Mutate(succeeded.ID, func(s *checkout.Session) error {
		s.UpdatedAt = stale
		return nil
	})

	if err := f.svc.RunExpireSweep(ctx); err != nil {
		t.Fatalf("expire sweep failed: %v", err)
	}

	if _, err := f.svc.GetSession(ctx, succeeded.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("stale terminal session should be discarded, got %v", err)
	}
	if _, err := f.svc.GetSession(ctx, failed.ID); err != nil {
		t.Fatalf("fresh failed session must survive the sweep: %v", err)
	}

	// The durable record outlives the session.
	if _, err := f.svc.GetOrderBySession(ctx, succeeded.ID); err != nil {
		t.Fatalf("order must remain after session discard: %v", err)
	}
}

func TestCommitSettlementIdempotentBySession(t *testing.T) {
	f := newServiceFixture(600 * time.Second)
	session := f.startReadySession(t, rail.CodeCard)
	ctx := context.Background()

	live, _ := f.svc.GetSession(ctx, session.ID)
	first, err := f.svc.CommitSettlement(ctx, live, "attempt-1", "ch_test_1", 2699900, nil)
	if err != nil {
		t.Fatalf("first commit failed: %v", err)
	}
	second, err := f.svc.CommitSettlement(ctx, live, "attempt-1", "ch_test_1", 2699900, nil)
	if err != nil {
		t.Fatalf("second commit failed: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("expected same order, got %d and %d", first.ID, second.ID)
	}
	if len(f.orderRepo.orders) != 1 {
		t.Fatalf("expected one order, got %d", len(f.orderRepo.orders))
	}
	if len(f.ledger.entries) != 1 {
		t.Fatalf("expected one ledger entry, got %d", len(f.ledger.entries))
	}
}

func TestCommitSettlementOrderWriteFailureIsLoud(t *testing.T) {
	f := newServiceFixture(600 * time.Second)
	f.orderRepo.createErr = errors.New("mysql is down")
	session := f.startReadySession(t, rail.CodeCard)
	ctx := context.Background()

	live, _ := f.svc.GetSession(ctx, session.ID)
	_, err := f.svc.CommitSettlement(ctx, live, "attempt-1", "ch_test_1", 2699900, nil)
	if !errors.Is(err, ErrOrderNotRecorded) {
		t.Fatalf("expected ErrOrderNotRecorded, got %v", err)
	}
	if !strings.Contains(err.Error(), "ch_test_1") {
		t.Fatalf("error must carry the external payment ref for reconciliation, got %q", err.Error())
	}
}

func TestCommitSettlementLedgerFailureKeepsOrder(t *testing.T) {
	f := newServiceFixture(600 * time.Second)
	f.ledger.createErr = errors.New("ledger table locked")
	session := f.startReadySession(t, rail.CodeCard)
	ctx := context.Background()

	live, _ := f.svc.GetSession(ctx, session.ID)
	order, err := f.svc.CommitSettlement(ctx, live, "attempt-1", "ch_test_1", 2699900, nil)
	if !errors.Is(err, ErrLedgerNotRecorded) {
		t.Fatalf("expected ErrLedgerNotRecorded, got %v", err)
	}
	if order == nil {
		t.Fatal("order must survive a ledger failure")
	}

	stored, _ := f.orderRepo.FindBySessionID(ctx, session.ID)
	if stored == nil {
		t.Fatal("order must be persisted despite the ledger failure")
	}
	if stored.LedgerStatus != entity.LedgerStatusPending {
		t.Fatalf("expected pending ledger status for retry, got %d", stored.LedgerStatus)
	}

	seen := f.events.typesSeen()
	if seen["ledger_write_failed"] != 1 {
		t.Fatalf("expected ledger_write_failed event, got %v", seen)
	}

	// The order is still announced; a ledger gap is an accounting problem,
	// not the shopper's.
	if len(f.notifier.sent) != 1 {
		t.Fatalf("expected confirmation despite ledger failure, got %d", len(f.notifier.sent))
	}
}

func TestSubmitCustomerInfoOnlyWhileCollecting(t *testing.T) {
	f := newServiceFixture(600 * time.Second)
	session := f.startReadySession(t, rail.CodeCard)

	_, err := f.svc.SubmitCustomerInfo(context.Background(), session.ID, checkout.CustomerInfo{
		Name: "Someone Else", Email: "else@example.in", Phone: "+911111111111",
	})
	if !errors.Is(err, checkout.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition after rail selection, got %v", err)
	}
}

func TestSessionOperationsOnUnknownSession(t *testing.T) {
	f := newServiceFixture(600 * time.Second)
	ctx := context.Background()

	if _, err := f.svc.GetSession(ctx, "missing"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
	if _, err := f.svc.SelectRail(ctx, "missing", rail.CodeCard); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
	if _, err := f.svc.Attempt(ctx, "missing", testCard()); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
	if _, err := f.svc.Retry(ctx, "missing"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestGetOrderBySessionBeforeCommit(t *testing.T) {
	f := newServiceFixture(600 * time.Second)
	session := f.startReadySession(t, rail.CodeCard)

	if _, err := f.svc.GetOrderBySession(context.Background(), session.ID); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound, got %v", err)
	}
}
