package server

import "testing"

func TestNormalizeAddr(t *testing.T) {
	cases := map[string]string{
		"":               "",
		"8000":           ":8000",
		":8000":          ":8000",
		"127.0.0.1:8000": "127.0.0.1:8000",
	}
	for in, want := range cases {
		if got := normalizeAddr(in); got != want {
			t.Errorf("normalizeAddr(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestNewHTTPServer_NoWriteTimeout(t *testing.T) {
	srv := newHTTPServer(":0", nil)
	if srv.WriteTimeout != 0 {
		t.Fatalf("streaming endpoints need WriteTimeout 0, got %v", srv.WriteTimeout)
	}
	if srv.ReadHeaderTimeout != readHeaderTimeout {
		t.Fatalf("ReadHeaderTimeout = %v", srv.ReadHeaderTimeout)
	}
}
