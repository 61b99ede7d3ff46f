package node

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/Operative-001/dtnode/internal/cache"
	"github.com/Operative-001/dtnode/internal/crypto"
	"github.com/Operative-001/dtnode/internal/directory"
	"github.com/Operative-001/dtnode/internal/protocol"
	"github.com/Operative-001/dtnode/internal/radio"
	"github.com/Operative-001/dtnode/internal/transport"
)

var (
	idOnce sync.Once
	ids    map[string]*crypto.Identity
	idErr  error
)

// identity returns one of a few shared test identities; RSA key generation
// is too slow to repeat per test.
func identity(t *testing.T, name string) *crypto.Identity {
	t.Helper()
	idOnce.Do(func() {
		ids = make(map[string]*crypto.Identity)
		for _, n := range []string{"alice", "bob", "carol", "eve", "Z"} {
			id, err := crypto.GenerateIdentity()
			if err != nil {
				idErr = err
				return
			}
			ids[n] = id
		}
	})
	if idErr != nil {
		t.Fatal(idErr)
	}
	return ids[name]
}

type testNode struct {
	*Node
	tr    *transport.Memory
	dir   *directory.Directory
	cache *cache.Cache
}

func newTestNode(t *testing.T, hub *transport.Hub, eid string, rad Radio, opts ...func(*Config)) *testNode {
	t.Helper()
	c, err := cache.Open(context.Background(), cache.NewMemoryStore())
	if err != nil {
		t.Fatal(err)
	}
	tr := hub.Endpoint(eid)
	dir := directory.NewMemory()
	cfg := Config{
		EID:            eid,
		Identity:       identity(t, eid),
		Bundle:         tr,
		Radio:          rad,
		Directory:      dir,
		Cache:          c,
		ReceiveTimeout: 50 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	n, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		n.Close()
		tr.Close()
	})
	return &testNode{Node: n, tr: tr, dir: dir, cache: c}
}

func receive(t *testing.T, n *testNode) Delivery {
	t.Helper()
	if err := n.ReceiveOnce(context.Background()); err != nil {
		t.Fatal(err)
	}
	select {
	case d := <-n.Deliveries():
		return d
	default:
		t.Fatal("nothing delivered")
	}
	return Delivery{}
}

func expectNothing(t *testing.T, n *testNode) {
	t.Helper()
	if err := n.ReceiveOnce(context.Background()); err != nil {
		t.Fatal(err)
	}
	select {
	case d := <-n.Deliveries():
		t.Fatalf("unexpected delivery from %q", d.From)
	default:
	}
}

func counter(n *testNode, name string) int64 {
	return n.Metrics().Snapshot()[name]
}

var flood = protocol.Alert{Text: "flood", Urgency: 9}

func TestSendPlainDelivered(t *testing.T) {
	hub := transport.NewHub()
	alice := newTestNode(t, hub, "alice", nil)
	bob := newTestNode(t, hub, "bob", nil)
	ctx := context.Background()

	alice.dir.Add("bob", bob.tr.Addr())
	if err := alice.Send(ctx, "bob", flood, false); err != nil {
		t.Fatal(err)
	}

	d := receive(t, bob)
	if d.From != "alice" || d.Kind != flood || d.Encrypted {
		t.Fatalf("unexpected delivery %+v", d)
	}
	if d.Origin != alice.tr.Addr() {
		t.Fatalf("origin %q", d.Origin)
	}
	if alice.cache.Len() != 0 {
		t.Fatal("delivered message should not be cached")
	}
	if der, ok := bob.dir.PublicKey("alice"); !ok || string(der) != string(identity(t, "alice").PublicDER()) {
		t.Fatal("sender key should be pinned on first contact")
	}
}

func TestSendEncryptedDelivered(t *testing.T) {
	hub := transport.NewHub()
	alice := newTestNode(t, hub, "alice", nil)
	bob := newTestNode(t, hub, "bob", nil)

	alice.dir.Add("bob", bob.tr.Addr())
	alice.dir.SetPublicKey("bob", identity(t, "bob").PublicDER())
	if err := alice.Send(context.Background(), "bob", flood, true); err != nil {
		t.Fatal(err)
	}

	d := receive(t, bob)
	if !d.Encrypted || d.Kind != flood {
		t.Fatalf("unexpected delivery %+v", d)
	}
}

func TestEncryptWithoutKeySendsPlain(t *testing.T) {
	hub := transport.NewHub()
	alice := newTestNode(t, hub, "alice", nil)
	bob := newTestNode(t, hub, "bob", nil)

	alice.dir.Add("bob", bob.tr.Addr())
	if err := alice.Send(context.Background(), "bob", flood, true); err != nil {
		t.Fatal(err)
	}
	if d := receive(t, bob); d.Encrypted {
		t.Fatal("without a recipient key the envelope must go out unsealed")
	}
}

func TestUnknownDestinationCachedThenRetried(t *testing.T) {
	hub := transport.NewHub()
	alice := newTestNode(t, hub, "alice", nil)
	z := newTestNode(t, hub, "Z", nil)
	ctx := context.Background()

	if err := alice.Send(ctx, "Z", flood, false); err != nil {
		t.Fatalf("unknown destination is not an error: %v", err)
	}
	if alice.cache.Len() != 1 || alice.tr.Sent() != 0 {
		t.Fatal("message should be cached, not sent")
	}
	if got := alice.cache.Peek()[0].Dest; got != "Z" {
		t.Fatalf("cached for %q", got)
	}

	alice.dir.Add("Z", z.tr.Addr())
	sent, err := alice.RetryPass(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if sent != 1 || alice.cache.Len() != 0 {
		t.Fatalf("retry sent %d, cache len %d", sent, alice.cache.Len())
	}
	if d := receive(t, z); d.From != "alice" {
		t.Fatalf("unexpected delivery %+v", d)
	}
}

func TestRetryKeepsUndeliverable(t *testing.T) {
	hub := transport.NewHub()
	alice := newTestNode(t, hub, "alice", nil)
	bob := newTestNode(t, hub, "bob", nil)
	ctx := context.Background()

	alice.Send(ctx, "nobody", flood, false)
	alice.Send(ctx, "nobody", flood, false)
	alice.Send(ctx, "bob", flood, false)
	alice.dir.Add("bob", bob.tr.Addr())

	sent, err := alice.RetryPass(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if sent != 1 {
		t.Fatalf("expected 1 sent, got %d", sent)
	}
	left := alice.cache.Peek()
	if len(left) != 2 || left[0].Dest != "nobody" || left[1].Dest != "nobody" {
		t.Fatalf("unexpected cache contents %+v", left)
	}
}

func TestTransportFailureCaches(t *testing.T) {
	hub := transport.NewHub()
	alice := newTestNode(t, hub, "alice", nil)
	bob := newTestNode(t, hub, "bob", nil)
	ctx := context.Background()

	alice.dir.Add("bob", bob.tr.Addr())
	alice.tr.SetDown(true)
	if err := alice.Send(ctx, "bob", flood, false); err != nil {
		t.Fatalf("transport failure is not an error: %v", err)
	}
	if alice.cache.Len() != 1 {
		t.Fatal("failed send should be cached")
	}

	alice.tr.SetDown(false)
	if sent, _ := alice.RetryPass(ctx); sent != 1 {
		t.Fatalf("expected retry to send, got %d", sent)
	}
	receive(t, bob)
}

func TestWrongKeyEncryptedDropped(t *testing.T) {
	hub := transport.NewHub()
	alice := newTestNode(t, hub, "alice", nil)
	bob := newTestNode(t, hub, "bob", nil)
	ctx := context.Background()

	// Alice believes eve's key belongs to bob.
	alice.dir.Add("bob", bob.tr.Addr())
	alice.dir.SetPublicKey("bob", identity(t, "eve").PublicDER())
	alice.Send(ctx, "bob", flood, true)

	expectNothing(t, bob)
	if counter(bob, "dropped_decrypt") != 1 {
		t.Fatal("expected a decrypt drop")
	}

	// The pipeline keeps going.
	alice.Send(ctx, "bob", protocol.Alert{Text: "after", Urgency: 1}, false)
	if d := receive(t, bob); d.Kind != (protocol.Alert{Text: "after", Urgency: 1}) {
		t.Fatalf("unexpected delivery %+v", d)
	}
}

func TestBadSignatureDropped(t *testing.T) {
	hub := transport.NewHub()
	bob := newTestNode(t, hub, "bob", nil)

	s, err := protocol.Compose("alice", flood, 1700000000, identity(t, "alice"))
	if err != nil {
		t.Fatal(err)
	}
	s.Kind = protocol.Alert{Text: "all clear", Urgency: 9}
	raw, err := s.Encode()
	if err != nil {
		t.Fatal(err)
	}
	bob.tr.Inject(raw, "mem:alice")

	expectNothing(t, bob)
	if counter(bob, "dropped_signature") != 1 {
		t.Fatal("expected a signature drop")
	}
	if _, ok := bob.dir.PublicKey("alice"); ok {
		t.Fatal("unverified key must not be pinned")
	}
}

func TestGarbageDropped(t *testing.T) {
	hub := transport.NewHub()
	bob := newTestNode(t, hub, "bob", nil)

	bob.tr.Inject([]byte("not an envelope"), "")
	expectNothing(t, bob)
	if counter(bob, "dropped_parse") != 1 {
		t.Fatal("expected a parse drop")
	}
}

func withReplayWindow(d time.Duration) func(*Config) {
	return func(c *Config) { c.ReplayWindow = d }
}

func withClock(ts time.Time) func(*Config) {
	return func(c *Config) { c.Now = func() time.Time { return ts } }
}

func TestReplayDropped(t *testing.T) {
	hub := transport.NewHub()
	bob := newTestNode(t, hub, "bob", nil, withReplayWindow(time.Minute))

	s, err := protocol.Compose("alice", flood, 1700000000, identity(t, "alice"))
	if err != nil {
		t.Fatal(err)
	}
	raw, _ := s.Encode()
	bob.tr.Inject(raw, "")
	bob.tr.Inject(raw, "")

	receive(t, bob)
	expectNothing(t, bob)
	if counter(bob, "dropped_replay") != 1 {
		t.Fatal("expected a replay drop")
	}
}

func TestIdenticalSendsBothDelivered(t *testing.T) {
	hub := transport.NewHub()
	alice := newTestNode(t, hub, "alice", nil, withClock(time.Unix(1700000000, 0)))
	bob := newTestNode(t, hub, "bob", nil)
	ctx := context.Background()

	alice.dir.Add("bob", bob.tr.Addr())
	alice.Send(ctx, "bob", flood, false)
	alice.Send(ctx, "bob", flood, false)

	receive(t, bob)
	receive(t, bob)
	if counter(bob, "delivered") != 2 || counter(bob, "dropped_replay") != 0 {
		t.Fatalf("counters %v", bob.Metrics().Snapshot())
	}
}

func TestIdenticalSendsDroppedWithReplayWindow(t *testing.T) {
	hub := transport.NewHub()
	alice := newTestNode(t, hub, "alice", nil, withClock(time.Unix(1700000000, 0)))
	bob := newTestNode(t, hub, "bob", nil, withReplayWindow(time.Minute))
	ctx := context.Background()

	alice.dir.Add("bob", bob.tr.Addr())
	alice.Send(ctx, "bob", flood, false)
	alice.Send(ctx, "bob", flood, false)

	receive(t, bob)
	expectNothing(t, bob)
	if counter(bob, "dropped_replay") != 1 {
		t.Fatal("expected the second identical envelope to be dropped")
	}
}

func TestPinnedKeyMismatchDropped(t *testing.T) {
	hub := transport.NewHub()
	alice := newTestNode(t, hub, "alice", nil)
	bob := newTestNode(t, hub, "bob", nil)

	bob.dir.SetPublicKey("alice", identity(t, "eve").PublicDER())
	alice.dir.Add("bob", bob.tr.Addr())
	alice.Send(context.Background(), "bob", flood, false)

	expectNothing(t, bob)
	if counter(bob, "dropped_key_mismatch") != 1 {
		t.Fatal("expected a key mismatch drop")
	}
}

func TestAddressLearnedFromOrigin(t *testing.T) {
	hub := transport.NewHub()
	alice := newTestNode(t, hub, "alice", nil)
	bob := newTestNode(t, hub, "bob", nil)

	bob.dir.Discovered("alice")
	alice.dir.Add("bob", bob.tr.Addr())
	alice.Send(context.Background(), "bob", flood, false)
	receive(t, bob)

	if addr, _ := bob.dir.Get("alice"); addr != alice.tr.Addr() {
		t.Fatalf("expected learned address %q, got %q", alice.tr.Addr(), addr)
	}
}

func TestExplicitAddressNotRelearned(t *testing.T) {
	hub := transport.NewHub()
	alice := newTestNode(t, hub, "alice", nil)
	bob := newTestNode(t, hub, "bob", nil)

	bob.dir.Add("alice", "tcp:10.0.0.1:3000")
	alice.dir.Add("bob", bob.tr.Addr())
	alice.Send(context.Background(), "bob", flood, false)
	receive(t, bob)

	if addr, _ := bob.dir.Get("alice"); addr != "tcp:10.0.0.1:3000" {
		t.Fatalf("explicit address overwritten with %q", addr)
	}
}

func TestRadioPath(t *testing.T) {
	air := radio.NewAir()
	air.Advertise(radio.AdvertisedName("bob"))
	hub := transport.NewHub()
	alice := newTestNode(t, hub, "alice", radio.NewSender(air, radio.DefaultChunkSize, 0))

	alice.dir.Add("bob", "ble:bob")
	if err := alice.Send(context.Background(), "bob", protocol.Alert{Text: string(make([]byte, 600)), Urgency: 3}, false); err != nil {
		t.Fatal(err)
	}
	if alice.tr.Sent() != 0 || alice.cache.Len() != 0 {
		t.Fatal("radio address must use the radio")
	}
	chunks := air.Chunks(radio.AdvertisedName("bob"))
	if len(chunks) < 2 {
		t.Fatalf("expected a chunked write, got %d chunks", len(chunks))
	}
	for _, c := range chunks {
		if len(c) > radio.DefaultChunkSize {
			t.Fatalf("chunk of %d bytes", len(c))
		}
	}
	s, _, err := protocol.Open(air.Received(radio.AdvertisedName("bob")), identity(t, "bob"))
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Verify(); err != nil {
		t.Fatal(err)
	}
}

func TestRadioUnavailableCaches(t *testing.T) {
	hub := transport.NewHub()
	alice := newTestNode(t, hub, "alice", nil)

	alice.dir.Add("bob", "ble:bob")
	if err := alice.Send(context.Background(), "bob", flood, false); err != nil {
		t.Fatal(err)
	}
	if alice.cache.Len() != 1 {
		t.Fatal("radio send without an adapter should be cached")
	}
}

func TestCacheWriteFailureReturned(t *testing.T) {
	hub := transport.NewHub()
	alice := newTestNode(t, hub, "alice", nil)
	c, err := cache.Open(context.Background(), brokenStore{cache.NewMemoryStore()})
	if err != nil {
		t.Fatal(err)
	}
	alice.Node.cache = c

	if err := alice.Send(context.Background(), "nobody", flood, false); err == nil {
		t.Fatal("expected cache write failure to be returned")
	}
	if c.Len() != 1 {
		t.Fatal("message should still be held in memory")
	}
}

type brokenStore struct{ *cache.MemoryStore }

func (brokenStore) Put(context.Context, cache.Msg) (string, error) {
	return "", context.DeadlineExceeded
}

// ctxStore refuses writes once the caller's context is done, like a
// network-backed store.
type ctxStore struct{ *cache.MemoryStore }

func (s ctxStore) Put(ctx context.Context, m cache.Msg) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return s.MemoryStore.Put(ctx, m)
}

func (s ctxStore) Delete(ctx context.Context, keys ...string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.MemoryStore.Delete(ctx, keys...)
}

// cancelingRadio cancels the run context mid-send, as a signal would.
type cancelingRadio struct{ cancel context.CancelFunc }

func (r cancelingRadio) Send(ctx context.Context, _ string, _ []byte) error {
	r.cancel()
	return ctx.Err()
}

func durable(t *testing.T, s *cache.MemoryStore) int {
	t.Helper()
	recs, err := s.Load(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	return len(recs)
}

func TestCancelledRetryKeepsDurableRecords(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	hub := transport.NewHub()
	alice := newTestNode(t, hub, "alice", cancelingRadio{cancel})
	mem := cache.NewMemoryStore()
	c, err := cache.Open(context.Background(), ctxStore{mem})
	if err != nil {
		t.Fatal(err)
	}
	alice.Node.cache = c

	if err := alice.Send(context.Background(), "bob", flood, false); err != nil {
		t.Fatal(err)
	}
	alice.dir.Add("bob", "ble:bob")

	sent, err := alice.RetryPass(ctx)
	if err != nil {
		t.Fatalf("requeue after cancellation: %v", err)
	}
	if sent != 0 || c.Len() != 1 || durable(t, mem) != 1 {
		t.Fatalf("sent %d, memory %d, durable %d", sent, c.Len(), durable(t, mem))
	}

	// A pass on an already cancelled context leaves the cache alone.
	if _, err := alice.RetryPass(ctx); err != nil {
		t.Fatal(err)
	}
	if c.Len() != 1 || durable(t, mem) != 1 {
		t.Fatalf("memory %d, durable %d", c.Len(), durable(t, mem))
	}
}

func TestSendOnCancelledContextCachesDurably(t *testing.T) {
	hub := transport.NewHub()
	alice := newTestNode(t, hub, "alice", nil)
	mem := cache.NewMemoryStore()
	c, err := cache.Open(context.Background(), ctxStore{mem})
	if err != nil {
		t.Fatal(err)
	}
	alice.Node.cache = c

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := alice.Send(ctx, "nobody", flood, false); err != nil {
		t.Fatal(err)
	}
	if durable(t, mem) != 1 {
		t.Fatal("cached message was not written durably")
	}
}

func TestRunRetriesAndReceives(t *testing.T) {
	hub := transport.NewHub()
	alice := newTestNode(t, hub, "alice", nil)
	bob := newTestNode(t, hub, "bob", nil)
	carol := newTestNode(t, hub, "carol", nil)
	ctx, cancel := context.WithCancel(context.Background())

	bob.Send(ctx, "carol", flood, false)
	done := make(chan error, 1)
	go func() { done <- bob.Run(ctx) }()

	bob.dir.Add("carol", carol.tr.Addr())
	alice.dir.Add("bob", bob.tr.Addr())
	alice.Send(ctx, "bob", flood, false)

	select {
	case d := <-bob.Deliveries():
		if d.From != "alice" {
			t.Fatalf("unexpected delivery %+v", d)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("run loop did not deliver")
	}

	rctx, rcancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer rcancel()
	if _, err := carol.tr.Receive(rctx); err != nil {
		t.Fatalf("cached message not retried: %v", err)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("run loop did not stop")
	}
}

func TestRunStopsOnClosedTransport(t *testing.T) {
	hub := transport.NewHub()
	bob := newTestNode(t, hub, "bob", nil)

	done := make(chan error, 1)
	go func() { done <- bob.Run(context.Background()) }()
	bob.tr.Close()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected an error from a closed transport")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("run loop did not stop")
	}
}
