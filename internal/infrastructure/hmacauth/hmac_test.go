package hmacauth

import (
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/joi-assistant/joi/pkg/errors"
)

// === Signing ===

func TestComputeIsDeterministic(t *testing.T) {
	secret := []byte("shared-secret")
	a := Compute("nonce-1", 1700000000000, []byte(`{"k":"v"}`), secret)
	b := Compute("nonce-1", 1700000000000, []byte(`{"k":"v"}`), secret)
	if a != b {
		t.Errorf("same inputs produced different MACs: %s vs %s", a, b)
	}
	if len(a) != 64 {
		t.Errorf("expected hex64 MAC, got %d chars", len(a))
	}

	c := Compute("nonce-2", 1700000000000, []byte(`{"k":"v"}`), secret)
	if a == c {
		t.Error("different nonce produced identical MAC")
	}
}

func TestHeadersVerifyRoundTrip(t *testing.T) {
	secret := []byte("shared-secret")
	body := []byte(`{"transport":"signal"}`)

	h := Headers(body, secret)
	ts, err := strconv.ParseInt(h[HeaderTimestamp], 10, 64)
	if err != nil {
		t.Fatalf("timestamp header not an integer: %v", err)
	}

	if !VerifySignature(h[HeaderNonce], ts, body, h[HeaderSignature], [][]byte{secret}) {
		t.Error("signature did not verify with signing secret")
	}
	if VerifySignature(h[HeaderNonce], ts, body, h[HeaderSignature], [][]byte{[]byte("wrong")}) {
		t.Error("signature verified with wrong secret")
	}
	// Any body mutation must break the MAC.
	if VerifySignature(h[HeaderNonce], ts, []byte(`{"transport":"sms"}`), h[HeaderSignature], [][]byte{secret}) {
		t.Error("signature verified for a different body")
	}
}

func TestVerifySignatureTriesOldKey(t *testing.T) {
	oldKey := []byte("old-key")
	newKey := []byte("new-key")
	body := []byte("payload")
	sig := Compute("n", 1700000000000, body, oldKey)

	if !VerifySignature("n", 1700000000000, body, sig, [][]byte{newKey, oldKey}) {
		t.Error("grace-window old key not accepted")
	}
	if VerifySignature("n", 1700000000000, body, sig, [][]byte{newKey}) {
		t.Error("old-key signature accepted without old key in candidate set")
	}
}

func TestVerifyTimestampSkew(t *testing.T) {
	now := time.Now()
	tolerance := DefaultToleranceMS

	if err := VerifyTimestamp(now.UnixMilli(), tolerance, now); err != nil {
		t.Errorf("current timestamp rejected: %v", err)
	}

	past := now.Add(-6 * time.Minute).UnixMilli()
	if err := VerifyTimestamp(past, tolerance, now); apperrors.CodeOf(err) != apperrors.CodeTimestampSkewPast {
		t.Errorf("expected timestamp_skew_past, got %v", err)
	}

	future := now.Add(6 * time.Minute).UnixMilli()
	if err := VerifyTimestamp(future, tolerance, now); apperrors.CodeOf(err) != apperrors.CodeTimestampSkewFuture {
		t.Errorf("expected timestamp_skew_future, got %v", err)
	}
}

// === Nonce store ===

func TestNonceReplayDetected(t *testing.T) {
	store := NewMemoryNonceStore()

	if err := store.CheckAndStore("nonce-a", "mesh"); err != nil {
		t.Fatalf("fresh nonce rejected: %v", err)
	}
	err := store.CheckAndStore("nonce-a", "mesh")
	if apperrors.CodeOf(err) != apperrors.CodeReplayDetected {
		t.Errorf("expected replay_detected, got %v", err)
	}
}

func TestNonceStoreEvictsAtCapacity(t *testing.T) {
	store := NewMemoryNonceStore()
	for i := 0; i < maxNonces+5; i++ {
		nonce := "nonce-" + strconv.Itoa(i)
		if err := store.CheckAndStore(nonce, "test"); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}
	if store.Len() > maxNonces {
		t.Errorf("store grew past capacity: %d", store.Len())
	}
}

// === Rotator ===

func TestRotatorRotateInstallsNewKey(t *testing.T) {
	dir := t.TempDir()
	r := NewRotator([]byte("boot-key"), filepath.Join(dir, "hmac.key"), filepath.Join(dir, "state.json"), 60000, zap.NewNop())

	var pushedSecret []byte
	var pushedPayload map[string]any
	push := func(payload map[string]any, secret []byte) error {
		pushedPayload = payload
		pushedSecret = secret
		return nil
	}
	payloadFn := func() (map[string]any, error) {
		return map[string]any{"version": 1}, nil
	}

	if err := r.Rotate(true, payloadFn, push); err != nil {
		t.Fatalf("Rotate: %v", err)
	}

	// The push is signed with the pre-rotation key.
	if string(pushedSecret) != "boot-key" {
		t.Errorf("push signed with %q, want boot key", pushedSecret)
	}
	rotation, ok := pushedPayload["hmac_rotation"].(map[string]any)
	if !ok {
		t.Fatal("push payload missing hmac_rotation")
	}
	newSecret, _ := rotation["new_secret"].(string)
	if len(newSecret) != 64 {
		t.Errorf("new_secret should be 32 bytes hex, got %q", newSecret)
	}

	// Current key switched; old key still valid during grace.
	if string(r.CurrentSecret()) != newSecret {
		t.Error("current secret not switched to new key")
	}
	secrets := r.ValidSecrets()
	if len(secrets) != 2 {
		t.Fatalf("expected current+old during grace, got %d keys", len(secrets))
	}
	if string(secrets[1]) != "boot-key" {
		t.Errorf("old key = %q", secrets[1])
	}

	if r.LastRotation().IsZero() {
		t.Error("last rotation not recorded")
	}
}

func TestRotatorPushMayReadCurrentSecret(t *testing.T) {
	r := NewRotator([]byte("boot-key"), "", "", 60000, zap.NewNop())

	// Production pushes sign through a SecretFunc that calls CurrentSecret,
	// so the rotator must not stay locked while the push runs.
	var duringPush []byte
	push := func(_ map[string]any, secret []byte) error {
		duringPush = r.CurrentSecret()
		if string(duringPush) != string(secret) {
			t.Errorf("CurrentSecret %q disagrees with push secret %q", duringPush, secret)
		}
		return nil
	}
	payloadFn := func() (map[string]any, error) { return map[string]any{}, nil }

	done := make(chan error, 1)
	go func() { done <- r.Rotate(true, payloadFn, push) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Rotate: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Rotate did not finish; push blocked on the rotator lock")
	}

	if string(duringPush) != "boot-key" {
		t.Errorf("push observed %q, want the pre-rotation key", duringPush)
	}
	if string(r.CurrentSecret()) == "boot-key" {
		t.Error("key not switched after rotation")
	}
}

func TestRotatorZeroGraceDropsOldKey(t *testing.T) {
	r := NewRotator([]byte("boot-key"), "", "", 60000, zap.NewNop())
	push := func(map[string]any, []byte) error { return nil }
	payloadFn := func() (map[string]any, error) { return map[string]any{}, nil }

	if err := r.Rotate(false, payloadFn, push); err != nil {
		t.Fatal(err)
	}
	if len(r.ValidSecrets()) != 1 {
		t.Errorf("incident rotation must invalidate the old key immediately, got %d keys", len(r.ValidSecrets()))
	}
}

func TestRotatorShouldRotate(t *testing.T) {
	r := NewRotator([]byte("k"), "", "", 60000, zap.NewNop())
	if r.ShouldRotate(time.Hour) {
		t.Error("never-rotated rotator must not auto-rotate")
	}

	push := func(map[string]any, []byte) error { return nil }
	payloadFn := func() (map[string]any, error) { return map[string]any{}, nil }
	if err := r.Rotate(true, payloadFn, push); err != nil {
		t.Fatal(err)
	}
	if r.ShouldRotate(time.Hour) {
		t.Error("rotation due immediately after rotating")
	}
	if !r.ShouldRotate(0) {
		t.Error("zero interval should always be due after first rotation")
	}
}

func TestRotatorPushFailureKeepsOldKey(t *testing.T) {
	r := NewRotator([]byte("boot-key"), "", "", 60000, zap.NewNop())
	push := func(map[string]any, []byte) error {
		return apperrors.NewInternalError("mesh unreachable")
	}
	payloadFn := func() (map[string]any, error) { return map[string]any{}, nil }

	if err := r.Rotate(true, payloadFn, push); err == nil {
		t.Fatal("expected rotation failure")
	}
	if string(r.CurrentSecret()) != "boot-key" {
		t.Error("key switched despite rejected push")
	}
}
