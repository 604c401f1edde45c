package cli

import (
	"strings"
	"testing"
)

func TestRunInviteGet(t *testing.T) {
	fake := withFakeInvoker(t, map[string]any{"code": "INV-42"}, nil)

	cmd, out := newTestCmd()
	inviteCmd.Flags().Set("qr", "")
	if err := runInvite(cmd, nil); err != nil {
		t.Fatalf("invite: %v", err)
	}
	if fake.lastVerb() != "invite-code.get" {
		t.Fatalf("verb %q", fake.lastVerb())
	}
	if !strings.Contains(out.String(), "INV-42") {
		t.Errorf("code missing: %q", out.String())
	}
}

func TestRunInviteQR(t *testing.T) {
	withFakeInvoker(t, map[string]any{"code": "INV-7"}, nil)

	var gotCode, gotPath string
	origWrite := inviteWriteQR
	origPath := inviteQRPath
	defer func() {
		inviteWriteQR = origWrite
		inviteQRPath = origPath
	}()
	inviteWriteQR = func(code, path string) error {
		gotCode, gotPath = code, path
		return nil
	}
	inviteQRPath = "/tmp/invite.png"

	cmd, out := newTestCmd()
	if err := runInvite(cmd, nil); err != nil {
		t.Fatalf("invite: %v", err)
	}
	if gotCode != "INV-7" || gotPath != "/tmp/invite.png" {
		t.Fatalf("QR writer got (%q, %q)", gotCode, gotPath)
	}
	if !strings.Contains(out.String(), "QR written") {
		t.Errorf("confirmation missing: %q", out.String())
	}
}
