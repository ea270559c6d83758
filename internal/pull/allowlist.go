package pull

import "net/netip"

// IsAllowed evaluates the source-IP allow list. Entries may be CIDR
// networks or single addresses; entries that parse as neither are
// ignored, since the list is operator-supplied and one bad line must not
// disable filtering. An empty list allows any source. IPv4-mapped IPv6
// addresses are compared in their IPv4 form.
func IsAllowed(addr netip.Addr, allowed []string) bool {
	if len(allowed) == 0 {
		return true
	}
	canonical := addr.Unmap()
	for _, entry := range allowed {
		if prefix, err := netip.ParsePrefix(entry); err == nil {
			if prefix.Contains(canonical) {
				return true
			}
			continue
		}
		if single, err := netip.ParseAddr(entry); err == nil {
			if single.Unmap() == canonical {
				return true
			}
		}
		// Unparseable entry: ignored without reporting. Allow-list
		// entries are not validated or reported anywhere else either.
	}
	return false
}
