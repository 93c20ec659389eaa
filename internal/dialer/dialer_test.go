package dialer

import (
	"reflect"
	"testing"

	"github.com/die-net/liveproxy/internal/candidate"
)

func TestNew(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		cand     candidate.Candidate
		wantType any
		wantErr  bool
	}{
		{
			name:     "http",
			cand:     candidate.Candidate{Host: "proxy.example", Port: 8080, Protocol: candidate.HTTP},
			wantType: &HTTPProxyDialer{},
		},
		{
			name:     "https uses connect",
			cand:     candidate.Candidate{Host: "proxy.example", Port: 443, Protocol: candidate.HTTPS},
			wantType: &HTTPProxyDialer{},
		},
		{
			name:     "socks4",
			cand:     candidate.Candidate{Host: "10.0.0.1", Port: 1080, Protocol: candidate.SOCKS4},
			wantType: &SOCKS4ProxyDialer{},
		},
		{
			name:     "socks5",
			cand:     candidate.Candidate{Host: "10.0.0.1", Port: 1080, Protocol: candidate.SOCKS5},
			wantType: &SOCKS5ProxyDialer{},
		},
		{
			name:    "missing port",
			cand:    candidate.Candidate{Host: "10.0.0.1", Protocol: candidate.SOCKS5},
			wantErr: true,
		},
		{
			name:    "missing protocol",
			cand:    candidate.Candidate{Host: "10.0.0.1", Port: 80},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := New(Config{}, tt.cand)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err=%v wantErr=%v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if d == nil {
				t.Fatal("got nil dialer")
			}
			if got, want := reflect.TypeOf(d), reflect.TypeOf(tt.wantType); got != want {
				t.Fatalf("got %s want %s", got, want)
			}
			if d.ProxyAddr() != tt.cand.Addr() {
				t.Fatalf("got proxy addr %q want %q", d.ProxyAddr(), tt.cand.Addr())
			}
		})
	}
}
