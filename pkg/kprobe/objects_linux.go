//go:build linux

package kprobe

import (
	"fmt"

	"github.com/cilium/ebpf"
)

// bpfObjects mirrors the maps and programs compiled into hdas.bpf.o (see
// ebpf/hdas.bpf.c). Unlike a bundled agent the probe object here is built
// out-of-band by the operator and pointed to via config.ProbeConfig.ProgramPath,
// so it is loaded from disk at startup rather than embedded at build time.
type bpfObjects struct {
	Events           *ebpf.Map     `ebpf:"events"`
	TraceEnterOpenat *ebpf.Program `ebpf:"trace_enter_openat"`
}

func (o *bpfObjects) Close() error {
	if o == nil {
		return nil
	}
	if o.Events != nil {
		o.Events.Close()
	}
	if o.TraceEnterOpenat != nil {
		o.TraceEnterOpenat.Close()
	}
	return nil
}

func loadObjects(spec *ebpf.CollectionSpec, objs *bpfObjects, opts *ebpf.CollectionOptions) error {
	if err := spec.LoadAndAssign(objs, opts); err != nil {
		return fmt.Errorf("load probe objects: %w", err)
	}
	return nil
}
