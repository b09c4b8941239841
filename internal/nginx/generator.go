// Package nginx renders, validates and materializes the dual-upstream
// configuration the data plane reloads. The control plane never touches the
// nginx process beyond the reload command.
package nginx

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/intouch-cp/weightd/internal/model"
)

// Internal proxy listeners: each backend gets a loopback port, allocated
// sequentially per pool.
const (
	baseProxyPortIncoming = 8081
	baseProxyPortOutgoing = 9081

	upstreamIncoming = "upstream_incoming"
	upstreamOutgoing = "upstream_outgoing"
)

// Generate renders the full dual-upstream configuration from the two pools'
// allocations. Inactive allocations are skipped; an empty pool gets a
// placeholder upstream so nginx still starts.
func Generate(incoming, outgoing []model.WeightAllocation) string {
	activeIncoming := activeOnly(incoming)
	activeOutgoing := activeOnly(outgoing)

	if len(activeIncoming) == 0 && len(activeOutgoing) == 0 {
		log.Printf("[nginx] warning: no active servers in either pool, generating fallback configuration")
		return fallbackConfig()
	}

	var b strings.Builder
	b.WriteString("# ============================================\n")
	b.WriteString("# DUAL UPSTREAM CONFIGURATION\n")
	fmt.Fprintf(&b, "# Generated at: %s\n", time.Now().UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "# Incoming servers: %d\n", len(activeIncoming))
	fmt.Fprintf(&b, "# Outgoing servers: %d\n", len(activeOutgoing))
	b.WriteString("# ============================================\n\n")

	writePool(&b, upstreamIncoming, activeIncoming, baseProxyPortIncoming)
	b.WriteString("\n")
	writePool(&b, upstreamOutgoing, activeOutgoing, baseProxyPortOutgoing)

	logSummary(activeIncoming, activeOutgoing)
	return b.String()
}

func activeOnly(allocs []model.WeightAllocation) []model.WeightAllocation {
	var out []model.WeightAllocation
	for _, a := range allocs {
		if a.Active() {
			out = append(out, a)
		}
	}
	return out
}

func writePool(b *strings.Builder, upstreamName string, allocs []model.WeightAllocation, basePort int) {
	if len(allocs) == 0 {
		fmt.Fprintf(b, "# %s - Placeholder (no active servers)\n", upstreamName)
		fmt.Fprintf(b, "upstream %s {\n", upstreamName)
		b.WriteString("    server 127.0.0.1:65535;  # dummy fallback\n")
		b.WriteString("}\n")
		return
	}
	writeUpstreamBlock(b, upstreamName, allocs, basePort)
	b.WriteString("\n")
	writeProxyServers(b, allocs, basePort)
}

func writeUpstreamBlock(b *strings.Builder, upstreamName string, allocs []model.WeightAllocation, basePort int) {
	fmt.Fprintf(b, "# %s - Weighted Round-Robin\n", upstreamName)
	fmt.Fprintf(b, "upstream %s {\n", upstreamName)
	port := basePort
	for _, a := range allocs {
		fmt.Fprintf(b, "    server 127.0.0.1:%d weight=%d;  # %s (%d%%)\n", port, a.Weight, a.ServerID, a.Weight)
		port++
	}
	b.WriteString("}\n")
}

// writeProxyServers emits one internal server block per backend. The main
// nginx.conf rewrites /incoming/x to /x before proxying here, so proxy_pass
// carries only the backend's base path.
func writeProxyServers(b *strings.Builder, allocs []model.WeightAllocation, basePort int) {
	port := basePort
	for _, a := range allocs {
		host := extractHostname(a.Address)
		path := extractPath(a.Address)

		fmt.Fprintf(b, "# Proxy for %s (Weight: %d%%)\n", a.ServerID, a.Weight)
		b.WriteString("server {\n")
		fmt.Fprintf(b, "    listen 127.0.0.1:%d;\n", port)
		fmt.Fprintf(b, "    server_name %s;\n", a.ServerID)
		b.WriteString("\n")
		b.WriteString("    location / {\n")
		fmt.Fprintf(b, "        proxy_pass https://%s%s;\n", host, path)
		b.WriteString("\n")
		b.WriteString("        # Headers\n")
		fmt.Fprintf(b, "        proxy_set_header Host %s;\n", host)
		b.WriteString("        proxy_set_header X-Real-IP $remote_addr;\n")
		b.WriteString("        proxy_set_header X-Forwarded-For $proxy_add_x_forwarded_for;\n")
		b.WriteString("        proxy_set_header X-Forwarded-Proto $scheme;\n")
		b.WriteString("\n")
		b.WriteString("        # Timeouts\n")
		b.WriteString("        proxy_connect_timeout 30s;\n")
		b.WriteString("        proxy_send_timeout 30s;\n")
		b.WriteString("        proxy_read_timeout 30s;\n")
		b.WriteString("\n")
		b.WriteString("        proxy_redirect off;\n")
		b.WriteString("        proxy_buffering on;\n")
		b.WriteString("    }\n")
		b.WriteString("}\n\n")

		port++
	}
}

func extractHostname(address string) string {
	if i := strings.Index(address, "/"); i >= 0 {
		return address[:i]
	}
	return address
}

func extractPath(address string) string {
	i := strings.Index(address, "/")
	if i < 0 {
		return "/"
	}
	path := address[i:]
	if !strings.HasSuffix(path, "/") {
		path += "/"
	}
	return path
}

func fallbackConfig() string {
	return "# No active servers - fallback configuration\n" +
		"upstream upstream_incoming {\n" +
		"    server 127.0.0.1:8090;\n" +
		"}\n\n" +
		"upstream upstream_outgoing {\n" +
		"    server 127.0.0.1:8090;\n" +
		"}\n"
}

func logSummary(incoming, outgoing []model.WeightAllocation) {
	var b strings.Builder
	b.WriteString("=== DUAL UPSTREAM CONFIGURATION SUMMARY ===\n")
	writeGroupSummary(&b, "INCOMING SERVERS ("+upstreamIncoming+"):", incoming)
	writeGroupSummary(&b, "OUTGOING SERVERS ("+upstreamOutgoing+"):", outgoing)
	log.Printf("[nginx] %s", b.String())
}

func writeGroupSummary(b *strings.Builder, header string, allocs []model.WeightAllocation) {
	if len(allocs) == 0 {
		return
	}
	total := 0
	for _, a := range allocs {
		total += a.Weight
	}
	b.WriteString(header + "\n")
	fmt.Fprintf(b, "  Total weight: %d\n", total)
	for _, a := range allocs {
		pct := float64(a.Weight) * 100.0 / float64(total)
		fmt.Fprintf(b, "  - %s: %d (%.1f%%)\n", a.ServerID, a.Weight, pct)
	}
}

// Validate performs the structural checks applied before any write: balanced
// braces and at least one of the two upstream directives present.
func Validate(config string) error {
	if strings.TrimSpace(config) == "" {
		return fmt.Errorf("generated config is empty")
	}
	open := strings.Count(config, "{")
	closed := strings.Count(config, "}")
	if open != closed {
		return fmt.Errorf("mismatched braces: %d open, %d close", open, closed)
	}
	hasIncoming := strings.Contains(config, "upstream "+upstreamIncoming)
	hasOutgoing := strings.Contains(config, "upstream "+upstreamOutgoing)
	if !hasIncoming && !hasOutgoing {
		return fmt.Errorf("config missing both upstream directives")
	}
	return nil
}
