package isotp

import "testing"

func TestDecodePCI_SingleFrameZeroLength(t *testing.T) {
	data := []byte{0x00, 0, 0, 0, 0, 0, 0, 0}
	pci, ok := DecodePCI(data, false)
	if !ok {
		t.Fatal("expected ok")
	}
	if pci.Kind != KindSF || pci.SFLen != 0 {
		t.Fatalf("got %+v", pci)
	}
}

func TestDecodePCI_SingleFrame(t *testing.T) {
	data := []byte{0x05, 1, 2, 3, 4, 5, 0, 0}
	pci, ok := DecodePCI(data, false)
	if !ok || pci.Kind != KindSF || pci.SFLen != 5 {
		t.Fatalf("got %+v ok=%v", pci, ok)
	}
}

func TestDecodePCI_LongSFEscapeRequiresFD(t *testing.T) {
	data := []byte{0x00, 20, 0, 0, 0, 0, 0, 0}
	pci, ok := DecodePCI(data, true)
	if !ok || pci.Kind != KindSF || pci.SFLen != 20 {
		t.Fatalf("got %+v ok=%v", pci, ok)
	}
}

func TestDecodePCI_FirstFrame(t *testing.T) {
	data := []byte{0x10, 0xFF, 1, 2, 3, 4, 5, 6}
	pci, ok := DecodePCI(data, false)
	if !ok || pci.Kind != KindFF || pci.FFLen != 0x0FF {
		t.Fatalf("got %+v ok=%v", pci, ok)
	}
}

func TestDecodePCI_ConsecutiveFrame(t *testing.T) {
	data := []byte{0x23, 1, 2, 3, 4, 5, 6, 7}
	pci, ok := DecodePCI(data, false)
	if !ok || pci.Kind != KindCF || pci.SN != 3 {
		t.Fatalf("got %+v ok=%v", pci, ok)
	}
}

func TestDecodePCI_FlowControl(t *testing.T) {
	data := []byte{0x30, 8, 10, 0, 0, 0, 0, 0}
	pci, ok := DecodePCI(data, false)
	if !ok || pci.Kind != KindFC || pci.Flow != FlowContinue || pci.BS != 8 || pci.STmin != 10 {
		t.Fatalf("got %+v ok=%v", pci, ok)
	}
}

func TestDecodePCI_ShortFCIgnored(t *testing.T) {
	data := []byte{0x30, 8}
	_, ok := DecodePCI(data, false)
	if ok {
		t.Fatal("expected short FC to be ignored")
	}
}

func TestDecodePCI_Empty(t *testing.T) {
	_, ok := DecodePCI(nil, false)
	if ok {
		t.Fatal("expected empty frame to be ignored")
	}
}

func TestEncodeDecodeFF_Roundtrip(t *testing.T) {
	payload := make([]byte, 100)
	for i := range payload {
		payload[i] = byte(i)
	}
	var dst [8]byte
	n := EncodeFF(dst[:], len(payload), payload)
	pci, ok := DecodePCI(dst[:], false)
	if !ok || pci.Kind != KindFF || pci.FFLen != 100 {
		t.Fatalf("got %+v ok=%v", pci, ok)
	}
	if n != 6 {
		t.Fatalf("expected 6 leading payload bytes in FF, got %d", n)
	}
}

func TestEncodeFC(t *testing.T) {
	var dst [8]byte
	EncodeFC(dst[:], FlowContinue, 8, 0x0A)
	pci, ok := DecodePCI(dst[:], false)
	if !ok || pci.Kind != KindFC || pci.BS != 8 || pci.STmin != 0x0A {
		t.Fatalf("got %+v ok=%v", pci, ok)
	}
}
