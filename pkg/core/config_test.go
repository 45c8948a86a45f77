package core

import (
	"testing"
)

func TestProxyConfigAddress(t *testing.T) {
	cfg := ProxyConfig{Kind: ProxySOCKS5, Host: "127.0.0.1", Port: 1080}
	if got := cfg.Address(); got != "127.0.0.1:1080" {
		t.Errorf("Expected address 127.0.0.1:1080, got %s", got)
	}

	cfg = ProxyConfig{Kind: ProxyHTTP, Host: "::1", Port: 3128}
	if got := cfg.Address(); got != "[::1]:3128" {
		t.Errorf("Expected bracketed IPv6 address, got %s", got)
	}
}

func TestProxyConfigAuth(t *testing.T) {
	cfg := ProxyConfig{Kind: ProxySOCKS5, Host: "proxy", Port: 1080}
	if cfg.HasAuth() {
		t.Error("Expected no auth without username")
	}
	cfg.Username = "alice"
	cfg.Password = "secret"
	if !cfg.HasAuth() {
		t.Error("Expected auth with username set")
	}
}

func TestProxyConfigDNSServers(t *testing.T) {
	cfg := ProxyConfig{}
	if got := cfg.DNSServers(); len(got) != 0 {
		t.Errorf("Expected no DNS servers, got %v", got)
	}

	cfg.DNS2 = "8.8.8.8"
	got := cfg.DNSServers()
	if len(got) != 1 || got[0] != "8.8.8.8" {
		t.Errorf("Expected [8.8.8.8], got %v", got)
	}

	cfg.DNS1 = "1.1.1.1"
	got = cfg.DNSServers()
	if len(got) != 2 || got[0] != "1.1.1.1" || got[1] != "8.8.8.8" {
		t.Errorf("Expected DNS1 before DNS2, got %v", got)
	}
}

func TestPacketProcessorFunc(t *testing.T) {
	var seen int
	var p PacketProcessor = PacketProcessorFunc(func(pkt Packet) error {
		seen = pkt.Length()
		return nil
	})
	if err := p.ProcessPacket(NewPacket([]byte{1, 2, 3})); err != nil {
		t.Fatalf("ProcessPacket: %v", err)
	}
	if seen != 3 {
		t.Errorf("Expected length 3, got %d", seen)
	}
}
