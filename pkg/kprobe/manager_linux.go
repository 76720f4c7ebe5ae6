//go:build linux

package kprobe

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/btf"
	"github.com/cilium/ebpf/link"
	"github.com/cilium/ebpf/perf"

	"github.com/adelmonte/hdas/internal/metrics"
	"github.com/adelmonte/hdas/pkg/config"
)

var _ Manager = (*kernelManager)(nil)

type kernelManager struct {
	cfg     *config.ProbeConfig
	objects bpfObjects
	btfSpec *btf.Spec
	links   []link.Link
	perfRd  *perf.Reader

	events chan Event

	lostEvents atomic.Uint64

	cancel  context.CancelFunc
	mu      sync.Mutex
	running bool
}

// NewManager loads the compiled openat tracepoint program described by cfg
// and prepares its perf event array reader.
func NewManager(cfg *config.ProbeConfig) (Manager, error) {
	if cfg == nil {
		return nil, fmt.Errorf("probe configuration is required")
	}

	var (
		btfSpec   *btf.Spec
		btfSource string
		err       error
	)

	if loader := NewBTFLoader(&cfg.BTF); loader != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		btfSpec, btfSource, err = loader.LoadSpec(ctx)
		if err != nil {
			return nil, fmt.Errorf("btf load failed: %w", err)
		}
		if btfSource != "" {
			log.Printf("[kprobe] loaded BTF spec from %s", btfSource)
		}
	}

	m := &kernelManager{
		cfg:     cfg,
		btfSpec: btfSpec,
		events:  make(chan Event, max(cfg.EventBufferSize, 1024)),
	}

	if err := m.init(); err != nil {
		_ = m.Close()
		return nil, err
	}

	return m, nil
}

func (m *kernelManager) init() error {
	objPath := m.cfg.ProgramPath
	if objPath == "" {
		objPath = "ebpf/hdas.bpf.o"
	}

	f, err := os.Open(objPath)
	if err != nil {
		return fmt.Errorf("open probe object (%s): %w", objPath, err)
	}
	defer f.Close()

	spec, err := ebpf.LoadCollectionSpecFromReader(f)
	if err != nil {
		return fmt.Errorf("load probe spec: %w", err)
	}

	var opts ebpf.CollectionOptions
	if m.btfSpec != nil {
		opts.Programs = ebpf.ProgramOptions{
			KernelTypes: m.btfSpec,
		}
	}

	if err := loadObjects(spec, &m.objects, &opts); err != nil {
		return fmt.Errorf("init probe collection: %w", err)
	}

	if err := m.attachTracepoint(); err != nil {
		return err
	}

	return m.setupReader()
}

func (m *kernelManager) attachTracepoint() error {
	if m.objects.TraceEnterOpenat == nil {
		return fmt.Errorf("probe object missing trace_enter_openat program")
	}

	tp, err := link.Tracepoint("syscalls", "sys_enter_openat", m.objects.TraceEnterOpenat, nil)
	if err != nil {
		return fmt.Errorf("attach sys_enter_openat tracepoint: %w", err)
	}
	m.links = append(m.links, tp)
	return nil
}

func (m *kernelManager) setupReader() error {
	if m.objects.Events == nil {
		return fmt.Errorf("probe object missing 'events' perf map")
	}

	pageSize := os.Getpagesize()
	bufferSize := max(m.cfg.EventBufferSize, pageSize)

	reader, err := perf.NewReader(m.objects.Events, bufferSize)
	if err != nil {
		return fmt.Errorf("create perf reader: %w", err)
	}
	m.perfRd = reader
	return nil
}

// Start begins draining the perf event array into the Events channel.
func (m *kernelManager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return nil
	}
	if m.perfRd == nil {
		return fmt.Errorf("perf reader not initialized")
	}

	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	go m.consumeEvents(runCtx)

	m.running = true
	return nil
}

func (m *kernelManager) consumeEvents(ctx context.Context) {
	defer close(m.events)

	for {
		record, err := m.perfRd.Read()
		if err != nil {
			if errors.Is(err, perf.ErrClosed) || ctx.Err() != nil {
				return
			}
			log.Printf("[kprobe] perf read error: %v", err)
			continue
		}

		if record.LostSamples > 0 {
			m.lostEvents.Add(record.LostSamples)
		}

		event, err := decodeEvent(record.RawSample)
		if err != nil {
			log.Printf("[kprobe] decode event failed: %v", err)
			metrics.ObserveKernelEvent("decode_error")
			continue
		}

		select {
		case <-ctx.Done():
			return
		case m.events <- event:
		}
	}
}

// decodeEvent parses the fixed-layout struct emitted by the openat
// tracepoint program. Treated as a versioned binary contract matching
// ebpf/hdas.bpf.c's struct open_event.
func decodeEvent(raw []byte) (Event, error) {
	var payload struct {
		PID      uint32
		Comm     [16]byte
		Filename [256]byte
	}

	if err := binary.Read(bytes.NewReader(raw), binary.LittleEndian, &payload); err != nil {
		return Event{}, err
	}

	return Event{
		PID:       payload.PID,
		Comm:      string(bytes.Trim(payload.Comm[:], "\x00")),
		Filename:  string(bytes.Trim(payload.Filename[:], "\x00")),
		Timestamp: time.Now(),
	}, nil
}

func (m *kernelManager) Events() <-chan Event {
	return m.events
}

// LostEvents returns the cumulative perf event array overflow count.
func (m *kernelManager) LostEvents() uint64 {
	return m.lostEvents.Load()
}

// Close detaches the tracepoint and frees kernel/user-space resources.
func (m *kernelManager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cancel != nil {
		m.cancel()
	}

	if m.perfRd != nil {
		m.perfRd.Close()
	}

	for _, l := range m.links {
		_ = l.Close()
	}
	m.links = nil

	m.objects.Close()

	if m.btfSpec != nil {
		m.btfSpec.Close()
	}

	m.running = false
	return nil
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
