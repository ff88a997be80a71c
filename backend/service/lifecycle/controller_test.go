package lifecycle

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tidwall/gjson"

	"shunt/backend/domain"
	"shunt/backend/repository/events"
	"shunt/backend/repository/kv"
	"shunt/backend/repository/memory"
	"shunt/backend/service/engine"
	"shunt/backend/service/render"
)

type fakeEngine struct {
	mu          sync.Mutex
	running     bool
	docs        [][]byte
	startErr    error
	exitOnStart bool
	listener    engine.ShutdownListener
	delay       func(url string) (int64, error)
	stats       map[string]int64
	stops       int
	stopGate    chan struct{}
}

func (f *fakeEngine) Start(_ context.Context, doc []byte) error {
	f.mu.Lock()
	if f.startErr != nil {
		f.mu.Unlock()
		return f.startErr
	}
	if f.running {
		f.mu.Unlock()
		return engine.ErrAlreadyRunning
	}
	f.docs = append(f.docs, append([]byte(nil), doc...))
	f.running = !f.exitOnStart
	l, exit := f.listener, f.exitOnStart
	f.mu.Unlock()

	if exit && l != nil {
		l(engine.ShutdownEvent{Err: errors.New("exit status 1")})
	}
	return nil
}

func (f *fakeEngine) IsRunning() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

func (f *fakeEngine) StopLoop() error {
	f.mu.Lock()
	f.stops++
	gate := f.stopGate
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	return f.exit(engine.ShutdownEvent{Requested: true})
}

func (f *fakeEngine) stopCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stops
}

func (f *fakeEngine) crash() error {
	return f.exit(engine.ShutdownEvent{Err: errors.New("signal: killed")})
}

func (f *fakeEngine) exit(ev engine.ShutdownEvent) error {
	f.mu.Lock()
	if !f.running {
		f.mu.Unlock()
		return engine.ErrNotRunning
	}
	f.running = false
	l := f.listener
	f.mu.Unlock()
	if l != nil {
		l(ev)
	}
	return nil
}

func (f *fakeEngine) QueryStats(tag, key string) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stats[tag+"/"+key]
}

func (f *fakeEngine) MeasureDelay(_ context.Context, url string) (int64, error) {
	if f.delay == nil {
		return 0, errors.New("no delay func")
	}
	return f.delay(url)
}

func (f *fakeEngine) SetShutdownListener(l engine.ShutdownListener) {
	f.mu.Lock()
	f.listener = l
	f.mu.Unlock()
}

func (f *fakeEngine) startCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.docs)
}

func (f *fakeEngine) lastDoc() gjson.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.docs) == 0 {
		return gjson.Result{}
	}
	return gjson.ParseBytes(f.docs[len(f.docs)-1])
}

type fakePlugin struct {
	mu     sync.Mutex
	starts []int
	stops  int
}

func (p *fakePlugin) Start(_ domain.ServerProfile, port int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.starts = append(p.starts, port)
	return nil
}

func (p *fakePlugin) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stops++
}

func (p *fakePlugin) counts() (int, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.starts), p.stops
}

type recorder struct {
	mu  sync.Mutex
	got []events.Notification
}

func (r *recorder) handle(ev events.Event) {
	n, ok := ev.(events.Notification)
	if !ok {
		return
	}
	r.mu.Lock()
	r.got = append(r.got, n)
	r.mu.Unlock()
}

func (r *recorder) count(t events.EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.got {
		if ev.EventType == t {
			n++
		}
	}
	return n
}

func (r *recorder) waitFor(t *testing.T, typ events.EventType) string {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		r.mu.Lock()
		for _, ev := range r.got {
			if ev.EventType == typ {
				r.mu.Unlock()
				return ev.Payload
			}
		}
		r.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("notification %s not published", typ)
	return ""
}

type harness struct {
	ctrl     *Controller
	engine   *fakeEngine
	plugin   *fakePlugin
	bus      *events.Bus
	rec      *recorder
	profiles *kv.ProfileRepo
	sel      *kv.SelectionRepo
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	bus := events.NewBus()
	store := memory.NewStore(bus)
	profiles := kv.NewProfileRepo(store, bus)
	sel := kv.NewSelectionRepo(store, bus)

	renderer := render.NewXrayRenderer(profiles, render.Options{SocksPort: 10808})
	renderer.SetPortAllocator(func() (int, error) { return 20808, nil })

	h := &harness{
		engine:   &fakeEngine{stats: map[string]int64{}},
		plugin:   &fakePlugin{},
		bus:      bus,
		rec:      &recorder{},
		profiles: profiles,
		sel:      sel,
	}
	bus.SubscribeAll(h.rec.handle)
	h.ctrl = NewController(Deps{
		Profiles:   profiles,
		Selections: sel,
		Renderer:   renderer,
		Engine:     h.engine,
		Plugin:     h.plugin,
		Bus:        bus,
	}, opts)
	return h
}

func (h *harness) addProfile(t *testing.T, p domain.ServerProfile) {
	t.Helper()
	if _, err := h.profiles.Create(context.Background(), p); err != nil {
		t.Fatalf("Create(%s) error: %v", p.GUID, err)
	}
}

func (h *harness) selectPrimary(t *testing.T, guid string) {
	t.Helper()
	if err := h.sel.SetSelectedPrimary(context.Background(), guid); err != nil {
		t.Fatalf("SetSelectedPrimary() error: %v", err)
	}
}

func waitState(t *testing.T, c *Controller, want domain.ProcessState) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("state = %s, want %s", c.State(), want)
}

func ssProfile(guid, name string) domain.ServerProfile {
	return domain.ServerProfile{
		GUID:          guid,
		ProtocolType:  domain.ProtocolShadowsocks,
		ServerAddress: guid + ".example.com",
		ServerPort:    8388,
		DisplayName:   name,
		Security:      &domain.ProfileSecurity{Method: "aes-256-gcm", Password: "secret"},
	}
}

func hy2Profile(guid string) domain.ServerProfile {
	return domain.ServerProfile{
		GUID:          guid,
		ProtocolType:  domain.ProtocolHysteria2,
		ServerAddress: "hy.example.com",
		ServerPort:    443,
		Security:      &domain.ProfileSecurity{Password: "pw"},
	}
}

func TestStart_WithoutPrimaryFails(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Options{})
	if h.ctrl.Start(context.Background()) {
		t.Fatalf("expected Start to fail")
	}
	if got := h.ctrl.State(); got != domain.StateStopped {
		t.Fatalf("state = %s", got)
	}
	if !errors.Is(h.ctrl.LastError(), ErrNoPrimarySelected) {
		t.Fatalf("LastError = %v", h.ctrl.LastError())
	}
	h.rec.waitFor(t, events.EventStartFailure)
	if h.engine.startCount() != 0 {
		t.Fatalf("engine must not be started")
	}
}

func TestStart_InvalidAddressIsRejected(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Options{})
	p := ssProfile("A", "bad")
	p.ServerAddress = "not a host!"
	h.addProfile(t, p)
	h.selectPrimary(t, "A")

	if h.ctrl.Start(context.Background()) {
		t.Fatalf("expected Start to fail")
	}
	var verr *ValidationError
	if !errors.As(h.ctrl.LastError(), &verr) || verr.Field != "serverAddress" {
		t.Fatalf("LastError = %v", h.ctrl.LastError())
	}
	if !errors.Is(h.ctrl.LastError(), ErrInvalidProfile) {
		t.Fatalf("expected ErrInvalidProfile")
	}
	if h.ctrl.State() != domain.StateStopped {
		t.Fatalf("state = %s", h.ctrl.State())
	}
}

func TestStart_RunsSynthesizedDocument(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Options{})
	h.addProfile(t, ssProfile("A", "Tokyo"))
	h.addProfile(t, ssProfile("B", "Ashburn"))
	h.selectPrimary(t, "A")
	if err := h.sel.SetCategorySelection(context.Background(), domain.CategoryNetflix, "B"); err != nil {
		t.Fatalf("SetCategorySelection() error: %v", err)
	}

	if !h.ctrl.Start(context.Background()) {
		t.Fatalf("Start failed: %v", h.ctrl.LastError())
	}
	if got := h.ctrl.State(); got != domain.StateRunning {
		t.Fatalf("state = %s", got)
	}
	if got := h.rec.waitFor(t, events.EventStartSuccess); got != "Tokyo" {
		t.Fatalf("start payload = %q", got)
	}
	if got := h.ctrl.RunningServerName(); got != "Tokyo" {
		t.Fatalf("RunningServerName = %q", got)
	}

	doc := h.engine.lastDoc()
	if got := doc.Get("outbounds.0.tag").String(); got != domain.OutboundTagProxy {
		t.Fatalf("first outbound = %q", got)
	}
	nodeTag := domain.NodeOutboundTag("B")
	if !doc.Get(`outbounds.#(tag=="` + nodeTag + `")`).Exists() {
		t.Fatalf("override outbound %s missing: %s", nodeTag, doc.Raw)
	}
	if got := doc.Get("routing.rules.0.outboundTag").String(); got != nodeTag {
		t.Fatalf("netflix rule outbound = %q", got)
	}
	if got := doc.Get("routing.domainStrategy").String(); got != domain.DomainStrategyIPIfNonMatch {
		t.Fatalf("domainStrategy = %q", got)
	}

	st := h.ctrl.Status()
	if st.GUID != "A" || len(st.Routes) == 0 || st.StartedAt == nil {
		t.Fatalf("unexpected status %+v", st)
	}
	if n, _ := h.plugin.counts(); n != 0 {
		t.Fatalf("helper must not start for shadowsocks")
	}
}

func TestStart_RejectedWhileRunning(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Options{})
	h.addProfile(t, ssProfile("A", ""))
	h.selectPrimary(t, "A")

	if !h.ctrl.Start(context.Background()) {
		t.Fatalf("first Start failed: %v", h.ctrl.LastError())
	}
	if h.ctrl.Start(context.Background()) {
		t.Fatalf("second Start must be rejected")
	}
	if h.engine.startCount() != 1 {
		t.Fatalf("engine started %d times", h.engine.startCount())
	}
	if got := h.ctrl.State(); got != domain.StateRunning {
		t.Fatalf("state after rejected Start = %s", got)
	}
	if h.rec.count(events.EventStartFailure) != 0 {
		t.Fatalf("rejected Start must not publish a failure")
	}
}

func TestStart_EngineFailureReturnsToStopped(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Options{})
	h.engine.startErr = errors.New("bind: address already in use")
	h.addProfile(t, ssProfile("A", ""))
	h.selectPrimary(t, "A")

	if h.ctrl.Start(context.Background()) {
		t.Fatalf("expected Start to fail")
	}
	var serr *StartError
	if !errors.As(h.ctrl.LastError(), &serr) || serr.Stage != "engine" {
		t.Fatalf("LastError = %v", h.ctrl.LastError())
	}
	if got := h.rec.waitFor(t, events.EventStartFailure); !strings.Contains(got, "address already in use") {
		t.Fatalf("failure payload = %q", got)
	}
	if h.ctrl.State() != domain.StateStopped {
		t.Fatalf("state = %s", h.ctrl.State())
	}
}

func TestStart_EngineExitDuringStartFails(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Options{})
	h.engine.exitOnStart = true
	h.addProfile(t, ssProfile("A", ""))
	h.selectPrimary(t, "A")

	if h.ctrl.Start(context.Background()) {
		t.Fatalf("expected Start to fail")
	}
	if !errors.Is(h.ctrl.LastError(), ErrEngineExited) {
		t.Fatalf("LastError = %v", h.ctrl.LastError())
	}
	if h.ctrl.State() != domain.StateStopped {
		t.Fatalf("state = %s", h.ctrl.State())
	}
}

func TestStart_SynthesisFailureUsesBaseDocument(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Options{})
	custom := `{"inbounds":[{"tag":"socks","protocol":"socks","listen":"127.0.0.1","port":10808}]}`
	h.addProfile(t, domain.ServerProfile{GUID: "C", ProtocolType: domain.ProtocolCustom, CustomConfig: []byte(custom)})
	h.selectPrimary(t, "C")

	if !h.ctrl.Start(context.Background()) {
		t.Fatalf("Start failed: %v", h.ctrl.LastError())
	}
	doc := h.engine.lastDoc()
	if doc.Get("routing").Exists() {
		t.Fatalf("expected unmodified base document, got %s", doc.Raw)
	}
	if got := doc.Get("inbounds.0.port").Int(); got != 10808 {
		t.Fatalf("inbound port = %d", got)
	}
}

func TestStart_PluginOverrideDegradesToProxy(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Options{})
	h.addProfile(t, ssProfile("A", ""))
	h.addProfile(t, hy2Profile("H"))
	h.selectPrimary(t, "A")
	if err := h.sel.SetCategorySelection(context.Background(), domain.CategoryOpenAI, "H"); err != nil {
		t.Fatalf("SetCategorySelection() error: %v", err)
	}

	if !h.ctrl.Start(context.Background()) {
		t.Fatalf("Start failed: %v", h.ctrl.LastError())
	}
	var found bool
	for _, r := range h.ctrl.Status().Routes {
		if r.Tag != domain.CategoryOpenAI {
			continue
		}
		found = true
		if r.Degraded == "" || r.OutboundTag != domain.OutboundTagProxy {
			t.Fatalf("expected degraded openai route to proxy, got %+v", r)
		}
	}
	if !found {
		t.Fatalf("openai route missing: %+v", h.ctrl.Status().Routes)
	}
	if n, _ := h.plugin.counts(); n != 0 {
		t.Fatalf("helper must not start for an override")
	}
}

func TestStop_TearsDownHelperAndNotifies(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Options{})
	h.addProfile(t, hy2Profile("H"))
	h.selectPrimary(t, "H")

	if !h.ctrl.Start(context.Background()) {
		t.Fatalf("Start failed: %v", h.ctrl.LastError())
	}
	if starts, _ := h.plugin.counts(); starts != 1 {
		t.Fatalf("helper starts = %d", starts)
	}
	if got := h.ctrl.Status().HelperPort; got != 20808 {
		t.Fatalf("helper port = %d", got)
	}

	if !h.ctrl.Stop() {
		t.Fatalf("Stop returned false")
	}
	if _, stops := h.plugin.counts(); stops != 1 {
		t.Fatalf("helper stops = %d", stops)
	}
	h.rec.waitFor(t, events.EventStopSuccess)
	waitState(t, h.ctrl, domain.StateStopped)
	if h.engine.IsRunning() {
		t.Fatalf("engine still running")
	}
	if h.ctrl.RunningServerName() != "" {
		t.Fatalf("expected empty running name")
	}
}

func TestStop_WhenStoppedIsNoop(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Options{})
	if !h.ctrl.Stop() {
		t.Fatalf("Stop on stopped controller should succeed")
	}
	if h.rec.count(events.EventStopSuccess) != 0 {
		t.Fatalf("no notification expected")
	}
	if n := h.engine.stopCount(); n != 0 {
		t.Fatalf("engine StopLoop called %d times", n)
	}
	if _, stops := h.plugin.counts(); stops != 0 {
		t.Fatalf("helper stops = %d", stops)
	}
}

func TestEngineCrash_TearsDownAndNotifies(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Options{})
	h.addProfile(t, hy2Profile("H"))
	h.selectPrimary(t, "H")
	if !h.ctrl.Start(context.Background()) {
		t.Fatalf("Start failed: %v", h.ctrl.LastError())
	}

	if err := h.engine.crash(); err != nil {
		t.Fatalf("crash() error: %v", err)
	}
	if h.ctrl.State() != domain.StateStopped {
		t.Fatalf("state = %s", h.ctrl.State())
	}
	if _, stops := h.plugin.counts(); stops != 1 {
		t.Fatalf("helper stops = %d", stops)
	}
	if got := h.rec.waitFor(t, events.EventStopSuccess); !strings.Contains(got, "killed") {
		t.Fatalf("stop payload = %q", got)
	}
	if h.ctrl.LastError() == nil {
		t.Fatalf("expected LastError after crash")
	}

	// 崩溃后可以再次启动
	if !h.ctrl.Start(context.Background()) {
		t.Fatalf("restart after crash failed: %v", h.ctrl.LastError())
	}
}

func TestRestart_StopsThenStartsAgain(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Options{RestartDelay: 10 * time.Millisecond})
	h.addProfile(t, ssProfile("A", ""))
	h.selectPrimary(t, "A")
	if !h.ctrl.Start(context.Background()) {
		t.Fatalf("Start failed: %v", h.ctrl.LastError())
	}

	if !h.ctrl.Restart() {
		t.Fatalf("Restart returned false")
	}
	deadline := time.Now().Add(2 * time.Second)
	for h.engine.startCount() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if h.engine.startCount() != 2 {
		t.Fatalf("engine started %d times", h.engine.startCount())
	}
	waitState(t, h.ctrl, domain.StateRunning)
}

func TestRestart_SlowStopPublishesFailure(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Options{RestartDelay: 10 * time.Millisecond, StopWaitTimeout: 30 * time.Millisecond})
	h.addProfile(t, ssProfile("A", ""))
	h.selectPrimary(t, "A")
	if !h.ctrl.Start(context.Background()) {
		t.Fatalf("Start failed: %v", h.ctrl.LastError())
	}

	gate := make(chan struct{})
	h.engine.mu.Lock()
	h.engine.stopGate = gate
	h.engine.mu.Unlock()

	if !h.ctrl.Restart() {
		t.Fatalf("Restart returned false")
	}
	if got := h.rec.waitFor(t, events.EventStartFailure); !strings.Contains(got, ErrStopTimeout.Error()) {
		t.Fatalf("failure payload = %q", got)
	}
	if !errors.Is(h.ctrl.LastError(), ErrStopTimeout) {
		t.Fatalf("LastError = %v", h.ctrl.LastError())
	}
	if h.engine.startCount() != 1 {
		t.Fatalf("engine started %d times", h.engine.startCount())
	}

	close(gate)
	waitState(t, h.ctrl, domain.StateStopped)
}

func TestStartWithSelection(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Options{RestartDelay: 10 * time.Millisecond})
	h.addProfile(t, ssProfile("A", "first"))
	h.addProfile(t, ssProfile("B", "second"))

	if h.ctrl.StartWithSelection(context.Background(), "missing") {
		t.Fatalf("unknown guid must be rejected")
	}
	if !h.ctrl.StartWithSelection(context.Background(), "A") {
		t.Fatalf("StartWithSelection(A) failed: %v", h.ctrl.LastError())
	}
	if got := h.ctrl.RunningServerName(); got != "first" {
		t.Fatalf("running = %q", got)
	}

	if !h.ctrl.StartWithSelection(context.Background(), "B") {
		t.Fatalf("StartWithSelection(B) failed")
	}
	deadline := time.Now().Add(2 * time.Second)
	for h.ctrl.RunningServerName() != "second" && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := h.ctrl.RunningServerName(); got != "second" {
		t.Fatalf("running after switch = %q", got)
	}
	if got, _ := h.sel.SelectedPrimary(context.Background()); got != "B" {
		t.Fatalf("selected primary = %q", got)
	}
}

func TestStartFromToggle_FirstUse(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Options{})
	if h.ctrl.StartFromToggle(context.Background()) {
		t.Fatalf("expected toggle start to fail")
	}
	if got := h.rec.waitFor(t, events.EventStartFailure); got != firstUsePayload {
		t.Fatalf("payload = %q", got)
	}

	h.addProfile(t, ssProfile("A", ""))
	h.selectPrimary(t, "A")
	if !h.ctrl.StartFromToggle(context.Background()) {
		t.Fatalf("toggle start failed: %v", h.ctrl.LastError())
	}
}

func TestMeasureDelay_FallsBackToAlternateURL(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Options{DelayTestURL: "http://primary/204", DelayTestURLAlt: "http://alt/204"})
	h.engine.delay = func(url string) (int64, error) {
		if url == "http://alt/204" {
			return 42, nil
		}
		return 0, errors.New("timeout")
	}
	h.addProfile(t, ssProfile("A", ""))
	h.selectPrimary(t, "A")
	if !h.ctrl.Start(context.Background()) {
		t.Fatalf("Start failed: %v", h.ctrl.LastError())
	}

	ms, err := h.ctrl.MeasureDelay(context.Background(), "")
	if err != nil || ms != 42 {
		t.Fatalf("MeasureDelay = %d, %v", ms, err)
	}
	if got := h.rec.waitFor(t, events.EventDelayMeasured); got != "Success: connection took 42ms" {
		t.Fatalf("payload = %q", got)
	}
}

func TestMeasureDelay_NotRunning(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Options{})
	if _, err := h.ctrl.MeasureDelay(context.Background(), ""); !errors.Is(err, engine.ErrNotRunning) {
		t.Fatalf("err = %v", err)
	}
	if got := h.rec.waitFor(t, events.EventDelayMeasured); !strings.HasPrefix(got, "Failed: ") {
		t.Fatalf("payload = %q", got)
	}
}

func TestQueryRunningAndStats(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Options{})
	if h.ctrl.QueryRunning() {
		t.Fatalf("expected not running")
	}
	h.rec.waitFor(t, events.EventStateNotRunning)
	if got := h.ctrl.QueryStats("proxy", "uplink"); got != 0 {
		t.Fatalf("stats while stopped = %d", got)
	}

	h.engine.stats["proxy/uplink"] = 1024
	h.addProfile(t, ssProfile("A", "Tokyo"))
	h.selectPrimary(t, "A")
	if !h.ctrl.Start(context.Background()) {
		t.Fatalf("Start failed: %v", h.ctrl.LastError())
	}
	if !h.ctrl.QueryRunning() {
		t.Fatalf("expected running")
	}
	if got := h.rec.waitFor(t, events.EventStateRunning); got != "Tokyo" {
		t.Fatalf("payload = %q", got)
	}
	if got := h.ctrl.QueryStats("proxy", "uplink"); got != 1024 {
		t.Fatalf("stats = %d", got)
	}
}

func TestScreenOffPausesTelemetry(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Options{TelemetryInterval: 10 * time.Millisecond})
	h.addProfile(t, ssProfile("A", ""))
	h.selectPrimary(t, "A")
	if !h.ctrl.Start(context.Background()) {
		t.Fatalf("Start failed: %v", h.ctrl.LastError())
	}
	h.rec.waitFor(t, events.EventTrafficStats)

	h.bus.PublishSync(events.SystemSignalEvent{Signal: events.SignalScreenOff})
	time.Sleep(50 * time.Millisecond)
	paused := h.rec.count(events.EventTrafficStats)
	time.Sleep(80 * time.Millisecond)
	if got := h.rec.count(events.EventTrafficStats); got != paused {
		t.Fatalf("telemetry kept publishing while screen off: %d -> %d", paused, got)
	}

	h.bus.PublishSync(events.SystemSignalEvent{Signal: events.SignalUserPresent})
	deadline := time.Now().Add(2 * time.Second)
	for h.rec.count(events.EventTrafficStats) == paused && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if h.rec.count(events.EventTrafficStats) == paused {
		t.Fatalf("telemetry did not resume")
	}

	h.ctrl.Stop()
	waitState(t, h.ctrl, domain.StateStopped)
}

func TestShutdown_StopsAndWaits(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Options{})
	h.addProfile(t, ssProfile("A", ""))
	h.selectPrimary(t, "A")
	if !h.ctrl.Start(context.Background()) {
		t.Fatalf("Start failed: %v", h.ctrl.LastError())
	}
	h.ctrl.Shutdown(time.Second)
	if h.ctrl.State() != domain.StateStopped {
		t.Fatalf("state = %s", h.ctrl.State())
	}
}
