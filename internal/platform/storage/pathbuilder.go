package storage

import (
	"fmt"
	"path"
	"strings"
)

// SnapshotObject names the frozen copy of one design image taken at checkout:
// orders/{orderID}/items/{itemID}/{placement}{ext}. The extension comes from
// source, usually the live design object path.
func SnapshotObject(orderID, itemID, placement, source string) (string, error) {
	segments := []struct{ name, value string }{
		{"orderID", orderID},
		{"itemID", itemID},
		{"placement", placement},
	}
	for i, seg := range segments {
		value := strings.TrimSpace(seg.value)
		switch {
		case value == "":
			return "", fmt.Errorf("storage: %s is required", seg.name)
		case strings.ContainsAny(value, `/\`), strings.Contains(value, ".."):
			return "", fmt.Errorf("storage: %s %q is not a single path segment", seg.name, value)
		}
		segments[i].value = value
	}
	ext := strings.ToLower(path.Ext(strings.TrimSpace(source)))
	if strings.ContainsAny(ext, "?#") {
		ext = ""
	}
	return fmt.Sprintf("orders/%s/items/%s/%s%s", segments[0].value, segments[1].value, segments[2].value, ext), nil
}
