package pcsc

import (
	"errors"
	"sync"
	"testing"

	"github.com/ebfe/scard"
	"github.com/google/go-cmp/cmp"
	"github.com/gregLibert/card-edge/pkg/iso7816"
)

type fakeCard struct {
	atr       []byte
	replies   [][]byte
	sent      [][]byte
	events    []string
	beginErr  error
	endErr    error
	statusErr error
}

func (f *fakeCard) Transmit(cmd []byte) ([]byte, error) {
	f.sent = append(f.sent, cmd)
	f.events = append(f.events, "transmit")
	if len(f.replies) == 0 {
		return nil, errors.New("no reply scripted")
	}
	r := f.replies[0]
	f.replies = f.replies[1:]
	return r, nil
}

func (f *fakeCard) Status() (*scard.CardStatus, error) {
	if f.statusErr != nil {
		return nil, f.statusErr
	}
	return &scard.CardStatus{Reader: "Fake Reader 0", Atr: f.atr}, nil
}

func (f *fakeCard) BeginTransaction() error {
	f.events = append(f.events, "begin")
	return f.beginErr
}

func (f *fakeCard) EndTransaction(scard.Disposition) error {
	f.events = append(f.events, "end")
	return f.endErr
}

func (f *fakeCard) Disconnect(scard.Disposition) error {
	f.events = append(f.events, "disconnect")
	return nil
}

type fakeContext struct{ released bool }

func (f *fakeContext) Release() error {
	f.released = true
	return nil
}

func TestSelectReader(t *testing.T) {
	readers := []string{"Generic USB Reader 00 00", "Yubico YubiKey OTP+FIDO+CCID 01 00"}

	tests := []struct {
		name    string
		readers []string
		match   string
		index   int
		want    string
		wantErr bool
	}{
		{"First by default", readers, "", 0, readers[0], false},
		{"By index", readers, "", 1, readers[1], false},
		{"By name ignoring case", readers, "yubikey", 0, readers[1], false},
		{"Name wins over index", readers, "generic", 1, readers[0], false},
		{"Unknown name", readers, "omnikey", 0, "", true},
		{"Index out of range", readers, "", 2, "", true},
		{"No readers", nil, "", 0, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := SelectReader(tt.readers, tt.match, tt.index)
			if (err != nil) != tt.wantErr {
				t.Fatalf("SelectReader() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("SelectReader() = %q, want %q", got, tt.want)
			}
		})
	}

	if _, err := SelectReader(nil, "", 0); !errors.Is(err, ErrNoReader) {
		t.Errorf("empty reader list error = %v, want ErrNoReader", err)
	}
}

func TestCardThroughClient(t *testing.T) {
	fake := &fakeCard{
		atr: []byte{0x3B, 0x02, 0x14, 0x50},
		replies: [][]byte{
			{0x61, 0x02},
			{0xCA, 0xFE, 0x90, 0x00},
		},
	}
	ctx := &fakeContext{}

	c, err := newCard("Fake Reader 0", fake, ctx, Options{MaxPayload: 64})
	if err != nil {
		t.Fatalf("newCard failed: %v", err)
	}
	if diff := cmp.Diff([]byte{0x3B, 0x02, 0x14, 0x50}, c.ATR()); diff != "" {
		t.Errorf("ATR mismatch (-want +got):\n%s", diff)
	}

	var _ sync.Locker = c
	var _ iso7816.PayloadSizer = c

	client := iso7816.NewClient(c)
	if got := client.SegmentCapacity(); got != 64 {
		t.Errorf("SegmentCapacity() = %d, want 64", got)
	}

	cls, _ := iso7816.NewClass(0x00)
	res, err := client.Transceive(iso7816.GetData(cls, 0x9F7F))
	if err != nil {
		t.Fatalf("Transceive failed: %v", err)
	}
	if diff := cmp.Diff([]byte{0xCA, 0xFE}, res.Data()); diff != "" {
		t.Errorf("data mismatch (-want +got):\n%s", diff)
	}

	// One transaction spans the command and its GET RESPONSE.
	want := []string{"begin", "transmit", "transmit", "end"}
	if diff := cmp.Diff(want, fake.events); diff != "" {
		t.Errorf("event order mismatch (-want +got):\n%s", diff)
	}

	if err := c.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if !ctx.released {
		t.Error("context not released")
	}
	if _, err := c.Transmit([]byte{0x00, 0xCA, 0x9F, 0x7F, 0x00}); err == nil {
		t.Error("Transmit after Close succeeded")
	}
}

func TestTransactionErrorsAreNotFatal(t *testing.T) {
	fake := &fakeCard{replies: [][]byte{{0x90, 0x00}}, endErr: errors.New("reader removed")}
	c, err := newCard("Fake Reader 0", fake, &fakeContext{}, Options{})
	if err != nil {
		t.Fatalf("newCard failed: %v", err)
	}
	if c.MaxPayload() != DefaultMaxPayload {
		t.Errorf("MaxPayload() = %d, want %d", c.MaxPayload(), DefaultMaxPayload)
	}

	c.Lock()
	if _, err := c.Transmit([]byte{0x00, 0xA4, 0x04, 0x00}); err != nil {
		t.Fatalf("Transmit failed: %v", err)
	}
	c.Unlock()

	// The mutex must be free again.
	c.Lock()
	c.Unlock()
}

func TestBeginTransactionFailureStopsExchange(t *testing.T) {
	beginErr := errors.New("sharing violation")
	fake := &fakeCard{replies: [][]byte{{0x90, 0x00}}, beginErr: beginErr}
	c, err := newCard("Fake Reader 0", fake, &fakeContext{}, Options{})
	if err != nil {
		t.Fatalf("newCard failed: %v", err)
	}

	cls, _ := iso7816.NewClass(0x00)
	_, err = iso7816.NewClient(c).Transceive(iso7816.GetData(cls, 0x9F7F))
	if !errors.Is(err, iso7816.ErrTransport) {
		t.Fatalf("Transceive error = %v, want a transport error", err)
	}
	if !errors.Is(err, beginErr) {
		t.Errorf("Transceive error = %v, want it to wrap %v", err, beginErr)
	}
	if len(fake.sent) != 0 {
		t.Errorf("%d commands sent without a transaction", len(fake.sent))
	}

	// No EndTransaction for a transaction that never started.
	if diff := cmp.Diff([]string{"begin"}, fake.events); diff != "" {
		t.Errorf("event order mismatch (-want +got):\n%s", diff)
	}

	// A later lock holder gets a fresh transaction.
	fake.beginErr = nil
	c.Lock()
	if _, err := c.Transmit([]byte{0x00, 0xA4, 0x04, 0x00}); err != nil {
		t.Errorf("Transmit after a successful BeginTransaction failed: %v", err)
	}
	c.Unlock()
}

func TestNewCardStatusFailure(t *testing.T) {
	_, err := newCard("Fake Reader 0", &fakeCard{statusErr: errors.New("removed")}, &fakeContext{}, Options{})
	if err == nil {
		t.Fatal("newCard succeeded without card status")
	}
}
