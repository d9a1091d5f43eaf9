package oxnvm

import (
	"bytes"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/openchannelio/oxnvm/internal/config"
)

// testConfig shrinks the emulated device so tests stay fast.
func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Geometry = config.Geometry{
		Channels:   2,
		LunsPerCh:  1,
		BlksPerLun: 16,
		PgsPerBlk:  4,
		Planes:     2,
		SecsPerPg:  2,
		PgSize:     8192,
		SecOOBSize: 16,
	}
	cfg.CheckpointSpec = "" // no background flusher in unit tests
	cfg.FTLQueues = 4
	return cfg
}

func TestController_OpenClose(t *testing.T) {
	ctrl, err := Open(testConfig())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer ctrl.Close()

	if ctrl.SectorSize() != 4096 {
		t.Fatalf("sector size = %d", ctrl.SectorSize())
	}
	if ctrl.NamespaceSectors() == 0 {
		t.Fatal("empty namespace")
	}
	if ctrl.Serial() == "" {
		t.Fatal("no serial")
	}
}

func TestController_WriteReadRoundTrip(t *testing.T) {
	ctrl, err := Open(testConfig())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer ctrl.Close()

	secSz := ctrl.SectorSize()
	data := bytes.Repeat([]byte{0xa5}, secSz)
	if err := ctrl.Write(0, data); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := ctrl.Read(0, 1)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatal("round trip mismatch")
	}
}

func TestController_MultiSector(t *testing.T) {
	ctrl, err := Open(testConfig())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer ctrl.Close()

	secSz := ctrl.SectorSize()
	nsec := 8
	data := make([]byte, nsec*secSz)
	for i := range data {
		data[i] = byte(i / secSz)
	}
	if err := ctrl.Write(4, data); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := ctrl.Read(4, nsec)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatal("multi-sector round trip mismatch")
	}

	// Overwrite a middle sector only.
	patch := bytes.Repeat([]byte{0xfe}, secSz)
	if err := ctrl.Write(6, patch); err != nil {
		t.Fatalf("patch: %v", err)
	}
	got, err = ctrl.Read(4, nsec)
	if err != nil {
		t.Fatalf("reread: %v", err)
	}
	if !bytes.Equal(got[2*secSz:3*secSz], patch) {
		t.Fatal("patched sector lost")
	}
	if !bytes.Equal(got[:2*secSz], data[:2*secSz]) {
		t.Fatal("neighbours disturbed")
	}
}

func TestController_UnwrittenReadsZero(t *testing.T) {
	ctrl, err := Open(testConfig())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer ctrl.Close()

	got, err := ctrl.Read(10, 2)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	for _, b := range got {
		if b != 0 {
			t.Fatal("unwritten sectors must read as zeroes")
		}
	}
}

func TestController_RangeValidation(t *testing.T) {
	ctrl, err := Open(testConfig())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer ctrl.Close()

	end := ctrl.NamespaceSectors()
	if err := ctrl.Write(end, bytes.Repeat([]byte{1}, ctrl.SectorSize())); err == nil {
		t.Fatal("write past the namespace accepted")
	}
	if _, err := ctrl.Read(end-1, 4); err == nil {
		t.Fatal("read crossing the namespace end accepted")
	}
	if err := ctrl.Write(0, []byte{1, 2, 3}); err == nil {
		t.Fatal("unaligned write accepted")
	}
}

func TestController_Checkpoint(t *testing.T) {
	ctrl, err := Open(testConfig())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer ctrl.Close()

	if err := ctrl.Write(0, bytes.Repeat([]byte{9}, ctrl.SectorSize())); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := ctrl.Checkpoint(); err != nil {
		t.Fatalf("checkpoint: %v", err)
	}
	// Data survives the metadata flush path.
	got, err := ctrl.Read(0, 1)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got[0] != 9 {
		t.Fatal("data lost across checkpoint")
	}
}

func TestController_ExporterGathers(t *testing.T) {
	ctrl, err := Open(testConfig())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer ctrl.Close()

	if err := ctrl.Write(0, bytes.Repeat([]byte{1}, ctrl.SectorSize())); err != nil {
		t.Fatalf("write: %v", err)
	}

	reg := prometheus.NewRegistry()
	if err := reg.Register(ctrl.Exporter()); err != nil {
		t.Fatalf("register: %v", err)
	}
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	found := map[string]bool{}
	for _, mf := range families {
		found[mf.GetName()] = true
	}
	for _, want := range []string{
		"oxnvm_host_writes_total",
		"oxnvm_channel_free_blocks",
		"oxnvm_namespace_sectors",
	} {
		if !found[want] {
			t.Fatalf("metric %s missing (got %v)", want, found)
		}
	}
}
