package antivalue

import (
	"bytes"
	"testing"
)

func TestEncodeFixUpRoundTrip(t *testing.T) {
	k1 := []byte("customer:1000:orders")
	k2 := []byte("customer:1000:zzz-end")

	av := Encode(k1, k2)
	got, err := av.FixUpKeys(k1)
	if err != nil {
		t.Fatalf("FixUpKeys: %v", err)
	}
	if !bytes.Equal(got, k2) {
		t.Fatalf("FixUpKeys(Encode(k1,k2), k1) = %q, want %q", got, k2)
	}
}

func TestEncodeNoSharedPrefix(t *testing.T) {
	k1 := []byte("alpha")
	k2 := []byte("zulu")
	av := Encode(k1, k2)
	if av.Elision != 0 {
		t.Fatalf("Elision = %d, want 0", av.Elision)
	}
	got, err := av.FixUpKeys(k1)
	if err != nil || !bytes.Equal(got, k2) {
		t.Fatalf("got %q, %v; want %q, nil", got, err, k2)
	}
}

func TestEncodeIdenticalKeys(t *testing.T) {
	k := []byte("same-key")
	av := Encode(k, k)
	if av.Elision != len(k) || len(av.Suffix) != 0 {
		t.Fatalf("av = %+v, want full elision with empty suffix", av)
	}
	got, err := av.FixUpKeys(k)
	if err != nil || !bytes.Equal(got, k) {
		t.Fatalf("got %q, %v; want %q, nil", got, err, k)
	}
}

func TestFixUpKeysRejectsShortAuxiliary(t *testing.T) {
	av := AntiValue{Elision: 10, Suffix: []byte("end")}
	_, err := av.FixUpKeys([]byte("short"))
	if err == nil {
		t.Fatal("expected an error for an auxiliary key shorter than the elision count")
	}
}

func TestFixUpKeysRejectsOverLengthReconstruction(t *testing.T) {
	aux := bytes.Repeat([]byte{'a'}, MaxKeyLength)
	av := AntiValue{Elision: MaxKeyLength, Suffix: bytes.Repeat([]byte{'b'}, 10)}
	_, err := av.FixUpKeys(aux)
	if err == nil {
		t.Fatal("expected an error for a reconstructed key exceeding MaxKeyLength")
	}
}

func TestMarshalUnmarshalRoundTrip(t *testing.T) {
	av := AntiValue{Elision: 7, Suffix: []byte("tail-bytes")}
	decoded, err := Unmarshal(Marshal(av))
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if decoded.Elision != av.Elision || !bytes.Equal(decoded.Suffix, av.Suffix) {
		t.Fatalf("round trip mismatch: got %+v, want %+v", decoded, av)
	}
}
