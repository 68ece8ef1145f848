package cardinality

import (
	"fmt"
	"sort"
	"sync"
	"testing"

	dto "github.com/prometheus/client_model/go"
)

func getCounterValue(c interface{ Write(*dto.Metric) error }) float64 {
	var m dto.Metric
	_ = c.Write(&m)
	if m.Counter != nil {
		return m.GetCounter().GetValue()
	}
	return m.GetGauge().GetValue()
}

func TestFieldTracker_FirstSightings(t *testing.T) {
	f := NewFieldTracker(Config{Mode: ModeExact, WarnThreshold: 0})
	before := getCounterValue(newFieldsTotal)

	fresh := f.Observe(map[string]interface{}{"time": 1, "host": "a", "path": "/"})
	sort.Strings(fresh)
	if fmt.Sprint(fresh) != "[host path time]" {
		t.Errorf("first record fresh = %v", fresh)
	}

	fresh = f.Observe(map[string]interface{}{"time": 2, "host": "b", "status": 200})
	if len(fresh) != 1 || fresh[0] != "status" {
		t.Errorf("second record fresh = %v", fresh)
	}

	if f.Observe(map[string]interface{}{"time": 3, "host": "c"}) != nil {
		t.Error("known fields reported as new")
	}
	if !f.Known("status") || f.Known("missing") {
		t.Error("Known mismatch")
	}
	if got := getCounterValue(newFieldsTotal) - before; got != 4 {
		t.Errorf("new field counter delta = %v, want 4", got)
	}
	if got := f.Estimate(); got != 4 {
		t.Errorf("Estimate = %d, want 4", got)
	}
	if got := getCounterValue(distinctFields); got != 4 {
		t.Errorf("distinct gauge = %v, want 4", got)
	}
}

func TestFieldTracker_WarnsOnce(t *testing.T) {
	f := NewFieldTracker(Config{Mode: ModeExact, WarnThreshold: 10})

	for i := 0; i < 5; i++ {
		f.Observe(map[string]interface{}{fmt.Sprintf("f_%d", i): i})
	}
	if f.Warned() {
		t.Fatal("warned below threshold")
	}
	for i := 5; i < 20; i++ {
		f.Observe(map[string]interface{}{fmt.Sprintf("f_%d", i): i})
	}
	if !f.Warned() {
		t.Error("expected warning above threshold")
	}
}

func TestFieldTracker_BloomMode(t *testing.T) {
	f := NewFieldTracker(DefaultConfig())
	rec := map[string]interface{}{"a_field": 1, "b_field": 2}
	if len(f.Observe(rec)) != 2 {
		t.Error("expected two new fields")
	}
	if len(f.Observe(rec)) != 0 {
		t.Error("expected no new fields on repeat")
	}
}

func TestFieldNames(t *testing.T) {
	for _, mode := range []Mode{ModeBloom, ModeExact} {
		t.Run(mode.String(), func(t *testing.T) {
			names := newFieldNames(Config{Mode: mode})
			if names.contains("user_id") {
				t.Error("contains true before insert")
			}
			if !names.insert("user_id") {
				t.Error("first insert should report unseen")
			}
			if names.insert("user_id") {
				t.Error("second insert should report seen")
			}
			if !names.insert("host") || !names.contains("user_id") {
				t.Error("membership mismatch")
			}
		})
	}
}

func TestFieldTracker_ConcurrentObserve(t *testing.T) {
	f := NewFieldTracker(Config{Mode: ModeExact})
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		fresh = map[string]int{}
	)
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				for _, name := range f.Observe(map[string]interface{}{fmt.Sprintf("field_%d", i): i}) {
					mu.Lock()
					fresh[name]++
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()

	if len(fresh) != 200 {
		t.Errorf("distinct first sightings = %d, want 200", len(fresh))
	}
	for name, n := range fresh {
		if n != 1 {
			t.Errorf("%s reported %d times", name, n)
		}
	}
}

func TestFieldTracker_Estimate(t *testing.T) {
	f := NewFieldTracker(Config{Mode: ModeExact})
	for i := 0; i < 1000; i++ {
		rec := map[string]interface{}{fmt.Sprintf("field_%d", i): i}
		f.Observe(rec)
		f.Observe(rec)
	}
	if got := f.Estimate(); got < 950 || got > 1050 {
		t.Errorf("Estimate = %d, want about 1000", got)
	}
}

func TestParseMode(t *testing.T) {
	tests := []struct {
		in   string
		want Mode
		err  bool
	}{
		{"", ModeBloom, false},
		{"bloom", ModeBloom, false},
		{"exact", ModeExact, false},
		{"hll", ModeBloom, true},
	}
	for _, tt := range tests {
		got, err := ParseMode(tt.in)
		if (err != nil) != tt.err || got != tt.want {
			t.Errorf("ParseMode(%q) = %s, %v", tt.in, got, err)
		}
	}
	if ModeExact.String() != "exact" || Mode(9).String() != "unknown" {
		t.Error("Mode.String mismatch")
	}
}
