package nostr

import (
	"encoding/hex"
	"encoding/json"
	"testing"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// ----------------- 测试工具 -----------------

func signedEvent(t *testing.T, kind int, content string, tags [][]string) Event {
	t.Helper()
	priv, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	ev := Event{CreatedAt: 1700000000, Kind: kind, Tags: tags, Content: content}
	if err := ev.Sign(priv); err != nil {
		t.Fatalf("sign: %v", err)
	}
	return ev
}

// ----------------- 签名与校验 -----------------

func TestSignAndVerify(t *testing.T) {
	ev := signedEvent(t, KindEncryptedDM, "hello", [][]string{{"p", "peer"}})
	if !ev.Verify() {
		t.Fatalf("freshly signed event must verify")
	}
	if ev.ID != ev.ComputeID() {
		t.Fatalf("stored id must equal the canonical hash")
	}
	if !ValidIdentity(ev.PubKey) {
		t.Fatalf("signing must fill a valid identity, got %q", ev.PubKey)
	}
}

func TestVerifyRejectsTampering(t *testing.T) {
	ev := signedEvent(t, KindEncryptedDM, "hello", nil)

	tampered := ev
	tampered.Content = "hell0"
	if tampered.Verify() {
		t.Fatalf("content change must break verification")
	}

	tampered = ev
	tampered.CreatedAt++
	if tampered.Verify() {
		t.Fatalf("timestamp change must break verification")
	}

	tampered = ev
	tampered.Sig = ev.Sig[:len(ev.Sig)-2] + "00"
	if tampered.Verify() {
		t.Fatalf("signature change must break verification")
	}
}

func TestEphemeralKinds(t *testing.T) {
	for kind, want := range map[int]bool{
		KindEncryptedDM:      false,
		KindGameEvent:        true,
		EphemeralKindMin:     true,
		EphemeralKindMax:     false,
		EphemeralKindMax - 1: true,
	} {
		ev := Event{Kind: kind}
		if ev.IsEphemeral() != want {
			t.Fatalf("kind %d: ephemeral=%v, want %v", kind, ev.IsEphemeral(), want)
		}
	}
}

func TestTagLookup(t *testing.T) {
	ev := Event{Tags: [][]string{{"e", "match-1"}, {"p", "peer-a"}, {"e", "second"}}}
	if got := ev.Tag("e"); got != "match-1" {
		t.Fatalf("Tag should return the first value, got %q", got)
	}
	if got := ev.Tag("x"); got != "" {
		t.Fatalf("missing tag should return empty, got %q", got)
	}
}

func TestValidIdentity(t *testing.T) {
	priv, _ := secp256k1.GeneratePrivateKey()
	good := hex.EncodeToString(priv.PubKey().SerializeCompressed())
	if !ValidIdentity(good) {
		t.Fatalf("compressed pubkey hex should validate")
	}
	for _, bad := range []string{"", "02abc", good[:64], "zz" + good[2:]} {
		if ValidIdentity(bad) {
			t.Fatalf("%q should be rejected", bad)
		}
	}
}

// ----------------- 过滤器 -----------------

func TestFilterMatches(t *testing.T) {
	ev := signedEvent(t, KindGameEvent, "x", [][]string{{"e", "match-1"}, {"p", "peer-a"}})

	cases := []struct {
		name string
		f    Filter
		want bool
	}{
		{"empty matches all", Filter{}, true},
		{"kind match", Filter{Kinds: []int{KindGameEvent}}, true},
		{"kind mismatch", Filter{Kinds: []int{KindEncryptedDM}}, false},
		{"author match", Filter{Authors: []string{ev.PubKey}}, true},
		{"author mismatch", Filter{Authors: []string{"someone-else"}}, false},
		{"e-tag match", Filter{TagE: []string{"match-1"}}, true},
		{"e-tag mismatch", Filter{TagE: []string{"match-2"}}, false},
		{"p-tag match", Filter{TagP: []string{"peer-a"}}, true},
		{"since before", Filter{Since: ev.CreatedAt - 10}, true},
		{"since after", Filter{Since: ev.CreatedAt + 10}, false},
		{"combined", Filter{Kinds: []int{KindGameEvent}, Authors: []string{ev.PubKey}, TagE: []string{"match-1"}}, true},
	}
	for _, tc := range cases {
		if got := tc.f.Matches(&ev); got != tc.want {
			t.Fatalf("%s: got %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestFilterWireFormat(t *testing.T) {
	f := Filter{Kinds: []int{4}, TagE: []string{"m1"}, TagP: []string{"p1"}, Since: 123}
	b, err := json.Marshal(f)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		t.Fatalf("unmarshal raw: %v", err)
	}
	// 标签条件的线格式键带 "#" 前缀
	if _, ok := raw["#e"]; !ok {
		t.Fatalf("wire format must use #e, got %s", b)
	}
	if _, ok := raw["#p"]; !ok {
		t.Fatalf("wire format must use #p, got %s", b)
	}

	var back Filter
	if err := json.Unmarshal(b, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if back.TagE[0] != "m1" || back.TagP[0] != "p1" || back.Since != 123 || back.Kinds[0] != 4 {
		t.Fatalf("round trip mismatch: %+v", back)
	}
}
