package isotp

import "testing"

func TestFixedAddress_CanonicalDiagPhysical(t *testing.T) {
	addr := FixedAddress(DefaultDiagPriority, DefaultDiagType, 0x01, 0x02)
	if addr.TxID != 0x18DA0201 {
		t.Fatalf("tx id: got %#x, want %#x", addr.TxID, 0x18DA0201)
	}
	if addr.RxID != 0x18DA0102 {
		t.Fatalf("rx id: got %#x, want %#x", addr.RxID, 0x18DA0102)
	}
}

func TestSwapTargetSource(t *testing.T) {
	if got := SwapTargetSource(0x18DA0102); got != 0x18DA0201 {
		t.Fatalf("got %#x", got)
	}
}

func TestPeerFromRxID(t *testing.T) {
	if got := PeerFromRxID(0x18DA0102); got != NodeID(0x02) {
		t.Fatalf("got %v", got)
	}
	if got := TargetFromRxID(0x18DA0102); got != NodeID(0x01) {
		t.Fatalf("got %v", got)
	}
}

func TestNodeIDValid(t *testing.T) {
	cases := map[NodeID]bool{
		AnonymousNodeID: false,
		0x01:            true,
		0xFD:            true,
		BroadcastNodeID: false,
		ReservedNodeID:  false,
	}
	for id, want := range cases {
		if got := id.Valid(); got != want {
			t.Fatalf("NodeID(%v).Valid() = %v, want %v", id, got, want)
		}
	}
}
