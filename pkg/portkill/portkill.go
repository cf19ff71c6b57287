package portkill

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"github.com/rs/zerolog"
	"github.com/wangjinchao-pacvue/switch-service/pkg/log"
)

// ErrOwnProcess is returned when a port is held by this process
var ErrOwnProcess = errors.New("port is held by this process")

// LookupFunc returns the pids listening on a port
type LookupFunc func(ctx context.Context, port int) ([]int, error)

// PortStatus describes one tracked port
type PortStatus struct {
	Port  int    `json:"port"`
	Owner string `json:"owner"`
	InUse bool   `json:"inUse"`
	PIDs  []int  `json:"pids,omitempty"`
}

// Tracker remembers which ports proxies opened and can free ports held by
// other processes
type Tracker struct {
	ports  *xsync.Map[int, string]
	lookup LookupFunc
	signal func(pid int, sig syscall.Signal) error
	self   int
	wait   time.Duration
	logger zerolog.Logger
}

// NewTracker creates a tracker that finds port holders with lsof
func NewTracker() *Tracker {
	return &Tracker{
		ports:  xsync.NewMap[int, string](),
		lookup: Lsof,
		signal: signalPID,
		self:   os.Getpid(),
		wait:   time.Second,
		logger: log.WithComponent("portkill"),
	}
}

// WithLookup replaces the port holder lookup
func (t *Tracker) WithLookup(fn LookupFunc) *Tracker {
	t.lookup = fn
	return t
}

// Track records that owner listens on port
func (t *Tracker) Track(port int, owner string) {
	t.ports.Store(port, owner)
}

// Untrack forgets a port
func (t *Tracker) Untrack(port int) {
	t.ports.Delete(port)
}

// Tracked returns the tracked ports in ascending order
func (t *Tracker) Tracked() []int {
	ports := make([]int, 0, t.ports.Size())
	t.ports.Range(func(port int, _ string) bool {
		ports = append(ports, port)
		return true
	})
	sort.Ints(ports)
	return ports
}

// Status reports every tracked port
func (t *Tracker) Status(ctx context.Context) []PortStatus {
	ports := t.Tracked()
	statuses := make([]PortStatus, 0, len(ports))
	for _, port := range ports {
		owner, _ := t.ports.Load(port)
		st := PortStatus{Port: port, Owner: owner}
		pids, err := t.lookup(ctx, port)
		if err != nil {
			t.logger.Debug().Err(err).Int("port", port).Msg("Port lookup failed")
		}
		st.PIDs = pids
		st.InUse = len(pids) > 0
		statuses = append(statuses, st)
	}
	return statuses
}

// Kill terminates the processes listening on port, other than this one.
// It returns the pids that were signalled.
func (t *Tracker) Kill(ctx context.Context, port int) ([]int, error) {
	pids, err := t.lookup(ctx, port)
	if err != nil {
		return nil, fmt.Errorf("lookup port %d: %w", port, err)
	}

	var killed []int
	for _, pid := range pids {
		if pid == t.self {
			return killed, fmt.Errorf("port %d: %w", port, ErrOwnProcess)
		}
		if err := t.terminate(pid); err != nil {
			return killed, fmt.Errorf("kill pid %d on port %d: %w", pid, port, err)
		}
		killed = append(killed, pid)
		t.logger.Info().Int("port", port).Int("pid", pid).Msg("Killed process holding port")
	}
	return killed, nil
}

// FreePorts kills foreign holders of each port, logging failures. Used at
// boot before services marked running are restored.
func (t *Tracker) FreePorts(ctx context.Context, ports []int) int {
	freed := 0
	for _, port := range ports {
		killed, err := t.Kill(ctx, port)
		if err != nil {
			t.logger.Warn().Err(err).Int("port", port).Msg("Failed to free port")
			continue
		}
		if len(killed) > 0 {
			freed++
		}
	}
	return freed
}

// terminate sends SIGTERM and escalates to SIGKILL if the process survives
func (t *Tracker) terminate(pid int) error {
	if err := t.signal(pid, syscall.SIGTERM); err != nil {
		return t.signal(pid, syscall.SIGKILL)
	}
	deadline := time.Now().Add(t.wait)
	for {
		if t.signal(pid, 0) != nil {
			return nil
		}
		if !time.Now().Before(deadline) {
			return t.signal(pid, syscall.SIGKILL)
		}
		time.Sleep(100 * time.Millisecond)
	}
}

func signalPID(pid int, sig syscall.Signal) error {
	process, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return process.Signal(sig)
}

// Lsof lists the pids listening on a TCP port. No match is not an error.
func Lsof(ctx context.Context, port int) ([]int, error) {
	cmd := exec.CommandContext(ctx, "lsof", "-t", "-nP", fmt.Sprintf("-iTCP:%d", port), "-sTCP:LISTEN")
	out, err := cmd.Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && len(bytes.TrimSpace(out)) == 0 {
			return nil, nil
		}
		return nil, err
	}
	return parsePIDs(out), nil
}

func parsePIDs(out []byte) []int {
	var pids []int
	seen := make(map[int]bool)
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		pid, err := strconv.Atoi(strings.TrimSpace(scanner.Text()))
		if err != nil || seen[pid] {
			continue
		}
		seen[pid] = true
		pids = append(pids, pid)
	}
	return pids
}
