package source

import (
	"errors"
	"image"
	"log/slog"
	"testing"
)

var discardLogger = slog.New(slog.NewTextHandler(&discardWriter{}, nil))

type discardWriter struct{}

func (d *discardWriter) Write(p []byte) (int, error) { return len(p), nil }

type fakeWindow struct {
	visible bool
	root    uintptr // 0 means self
	style   uint32
	cloak   uint32
	cloakOK bool
	title   string
}

type fakePlatform struct {
	shell    uintptr
	order    []uintptr
	windows  map[uintptr]fakeWindow
	monitors []Source
	err      error
}

func (p *fakePlatform) ShellWindow() uintptr     { return p.shell }
func (p *fakePlatform) IsVisible(h uintptr) bool { return p.windows[h].visible }
func (p *fakePlatform) RootAncestor(h uintptr) uintptr {
	if r := p.windows[h].root; r != 0 {
		return r
	}
	return h
}
func (p *fakePlatform) Style(h uintptr) uint32 { return p.windows[h].style }
func (p *fakePlatform) CloakReason(h uintptr) (uint32, bool) {
	w := p.windows[h]
	return w.cloak, w.cloakOK
}
func (p *fakePlatform) Title(h uintptr) string            { return p.windows[h].title }
func (p *fakePlatform) WindowHandles() ([]uintptr, error) { return p.order, p.err }
func (p *fakePlatform) Monitors() ([]Source, error)       { return p.monitors, p.err }

func good(title string) fakeWindow { return fakeWindow{visible: true, title: title} }

// countingRules wraps DefaultRules so each rule counts its invocations.
func countingRules(counts []int) []Rule {
	rules := DefaultRules()
	for i := range rules {
		i := i
		inner := rules[i].Excludes
		rules[i].Excludes = func(in Inspector, h uintptr) bool {
			counts[i]++
			return inner(in, h)
		}
	}
	return rules
}

func TestDefaultRules_ShortCircuit(t *testing.T) {
	const shell = 0x10
	tests := []struct {
		name     string
		win      fakeWindow
		handle   uintptr
		rejectAt int // index of rejecting rule, -1 when accepted
	}{
		{"shell window", good("Desktop"), shell, 0},
		{"invisible", fakeWindow{visible: false, title: "x"}, 0x20, 1},
		{"owned child", fakeWindow{visible: true, root: 0x99, title: "x"}, 0x21, 2},
		{"disabled", fakeWindow{visible: true, style: StyleDisabled | 0x1, title: "x"}, 0x22, 3},
		{"shell cloaked", fakeWindow{visible: true, cloak: CloakedShell, cloakOK: true, title: "x"}, 0x23, 4},
		{"untitled", fakeWindow{visible: true}, 0x24, 5},
		{"survivor", good("Editor"), 0x25, -1},
		{"whitespace title survives", good("   "), 0x26, -1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &fakePlatform{shell: shell, windows: map[uintptr]fakeWindow{tt.handle: tt.win}}
			counts := make([]int, len(DefaultRules()))
			f := Filter{Rules: countingRules(counts)}
			ok, rule := f.Evaluate(p, tt.handle)
			if tt.rejectAt < 0 {
				if !ok {
					t.Fatalf("expected survivor, rejected by %q", rule)
				}
				for i, c := range counts {
					if c != 1 {
						t.Errorf("rule %d evaluated %d times, want 1", i, c)
					}
				}
				return
			}
			if ok {
				t.Fatal("expected rejection")
			}
			if want := DefaultRules()[tt.rejectAt].Name; rule != want {
				t.Errorf("rejected by %q, want %q", rule, want)
			}
			for i, c := range counts {
				want := 0
				if i <= tt.rejectAt {
					want = 1
				}
				if c != want {
					t.Errorf("rule %d evaluated %d times, want %d", i, c, want)
				}
			}
		})
	}
}

func TestDefaultRules_OtherCloakReasonsDoNotExclude(t *testing.T) {
	for _, reason := range []uint32{0x1, 0x4} { // DWM_CLOAKED_APP, DWM_CLOAKED_INHERITED
		p := &fakePlatform{windows: map[uintptr]fakeWindow{
			1: {visible: true, cloak: reason, cloakOK: true, title: "x"},
		}}
		if ok, rule := (Filter{Rules: DefaultRules()}).Evaluate(p, 1); !ok {
			t.Errorf("cloak reason %#x rejected by %q", reason, rule)
		}
	}
	// An unreadable attribute never excludes.
	p := &fakePlatform{windows: map[uintptr]fakeWindow{1: {visible: true, cloak: CloakedShell, title: "x"}}}
	if ok, _ := (Filter{Rules: DefaultRules()}).Evaluate(p, 1); !ok {
		t.Error("unreadable cloak attribute should not exclude")
	}
}

func TestSelect(t *testing.T) {
	srcs := []Source{{Handle: 1, Title: "Terminal"}, {Handle: 2, Title: "Browser - docs"}, {Handle: 3, Title: "Browser - mail"}}

	if _, ok := Select(nil, nil); ok {
		t.Fatal("empty input must report not found")
	}
	if s, _ := Select(srcs, nil); s.Handle != 1 {
		t.Errorf("default pick = %d, want 1", s.Handle)
	}
	if s, _ := Select(srcs, TitlePrefix("Browser")); s.Handle != 2 {
		t.Errorf("prefix pick = %d, want first match 2", s.Handle)
	}
	if s, ok := Select(srcs, TitlePrefix("Nope")); !ok || s.Handle != 1 {
		t.Errorf("no match should fall back to index 0, got %d ok=%v", s.Handle, ok)
	}
	if s, _ := Select(srcs, TitlePrefix("browser")); s.Handle != 1 {
		t.Errorf("prefix match is case-sensitive, got %d", s.Handle)
	}
}

func TestSelectorWindows_KeepsEnumerationOrder(t *testing.T) {
	p := &fakePlatform{
		shell: 1,
		order: []uintptr{1, 2, 3, 4, 5},
		windows: map[uintptr]fakeWindow{
			1: good("Program Manager"),
			2: good("B"),
			3: {visible: false, title: "hidden"},
			4: good("A"),
			5: {visible: true},
		},
	}
	wins, err := NewSelector(p, discardLogger).Windows()
	if err != nil {
		t.Fatal(err)
	}
	if len(wins) != 2 || wins[0].Handle != 2 || wins[1].Handle != 4 {
		t.Fatalf("unexpected survivors %+v", wins)
	}
	if wins[0].Kind != KindWindow || wins[0].Title != "B" {
		t.Errorf("survivor missing kind/title: %+v", wins[0])
	}
}

func TestSelectorPick(t *testing.T) {
	p := &fakePlatform{
		order:   []uintptr{7, 8},
		windows: map[uintptr]fakeWindow{7: good("Notes"), 8: good("Game")},
		monitors: []Source{
			{Kind: KindMonitor, Handle: 100, Title: "Monitor 1", Bounds: image.Rect(0, 0, 1920, 1080)},
			{Kind: KindMonitor, Handle: 101, Title: "Monitor 2", Bounds: image.Rect(1920, 0, 3840, 1080)},
		},
	}
	s := NewSelector(p, nil)

	if src, ok, _ := s.Pick(KindWindow, "Ga", 0); !ok || src.Handle != 8 {
		t.Errorf("window pick = %+v ok=%v", src, ok)
	}
	if src, ok, _ := s.Pick(KindMonitor, "", 1); !ok || src.Handle != 101 {
		t.Errorf("monitor pick = %+v ok=%v", src, ok)
	}
	if src, ok, _ := s.Pick(KindMonitor, "", 9); !ok || src.Handle != 100 {
		t.Errorf("out-of-range monitor index should fall back to first, got %+v", src)
	}

	p.err = errors.New("EnumWindows failed")
	if _, _, err := s.Pick(KindWindow, "", 0); err == nil {
		t.Error("expected enumeration error")
	}
}
