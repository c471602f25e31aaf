package daemon

import (
	"testing"

	"github.com/tutu-network/immunet/internal/infra/packet"
)

func mustParse(t *testing.T, datagram []byte) packet.Info {
	t.Helper()
	info, err := packet.Parse(datagram)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	return info
}
