package main

import (
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/basket/cronpilot/internal/task"
)

func TestSplitCSV(t *testing.T) {
	cases := []struct {
		in   string
		want int
	}{
		{"", 0},
		{"a", 1},
		{"a,b,c", 3},
		{" a , ,b ", 2},
	}
	for _, tc := range cases {
		if got := splitCSV(tc.in); len(got) != tc.want {
			t.Errorf("splitCSV(%q) = %v, want %d parts", tc.in, got, tc.want)
		}
	}
}

func TestInstallCronLine(t *testing.T) {
	line := installCronLine("/usr/local/bin/cronpilot", "/home/op/.cronpilot")
	if !strings.HasPrefix(line, "* * * * * ") {
		t.Fatalf("line = %q", line)
	}
	for _, want := range []string{"CRONPILOT_HOME=/home/op/.cronpilot", "run-due", "cron.log"} {
		if !strings.Contains(line, want) {
			t.Fatalf("line %q missing %q", line, want)
		}
	}
}

func TestUpcomingFiresSorted(t *testing.T) {
	home := t.TempDir()
	repo, err := task.NewRepository(filepath.Join(home, "tasks.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	for _, spec := range []struct{ name, schedule string }{
		{"hourly", "0 * * * *"},
		{"half-hourly", "30 * * * *"},
	} {
		tk := &task.Task{
			Name: spec.name, Schedule: spec.schedule, WorkingDir: home,
			Prompt: "x", Timeout: 60, Enabled: true,
		}
		if err := repo.Save(tk); err != nil {
			t.Fatal(err)
		}
	}

	fires := upcomingFires(repo, 2)
	if len(fires) < 3 {
		t.Fatalf("expected at least 3 fires in 2h, got %d", len(fires))
	}
	for i := 1; i < len(fires); i++ {
		if fires[i].At.Before(fires[i-1].At) {
			t.Fatal("fires not sorted by time")
		}
	}
}

func TestLocalStatusCountsTasks(t *testing.T) {
	home := t.TempDir()
	repo, err := task.NewRepository(filepath.Join(home, "tasks.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	on := &task.Task{Name: "on", Schedule: "* * * * *", WorkingDir: home, Prompt: "x", Timeout: 60, Enabled: true}
	off := &task.Task{Name: "off", Schedule: "0 4 * * *", WorkingDir: home, Prompt: "x", Timeout: 60, Enabled: true}
	for _, tk := range []*task.Task{on, off} {
		if err := repo.Save(tk); err != nil {
			t.Fatal(err)
		}
	}
	if err := repo.SetEnabled(off.ID, false); err != nil {
		t.Fatal(err)
	}

	st := localStatus(repo, 2*time.Minute)
	if st.Enabled != 1 || st.Disabled != 1 {
		t.Fatalf("counts = %d enabled, %d disabled", st.Enabled, st.Disabled)
	}
	if len(st.Due) != 1 || st.Due[0] != "on" {
		t.Fatalf("due = %v", st.Due)
	}
}
