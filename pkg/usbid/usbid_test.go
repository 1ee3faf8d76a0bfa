package usbid

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ardnew/softhcd/pkg"
)

const sample = `#
# List of USB ID's
#
# Syntax:
# vendor  vendor_name
#	device  device_name				<-- single tab
#		interface  interface_name		<-- two tabs

0781  SanDisk Corp.
	5567  Cruzer Blade
	5581  Ultra
1209  Generic
	5d1d  Simulated Disk
		00  Bulk-Only Interface
abcd  Unknown Co
	zzzz  Bad Product
	0001  Good Product

C 08  Mass Storage
	06  SCSI
		50  Bulk-Only
`

func TestParse(t *testing.T) {
	db, err := Parse(strings.NewReader(sample))
	require.NoError(t, err)

	tests := []struct {
		name    string
		vid     uint16
		pid     uint16
		vendor  string
		product string
	}{
		{"Known", 0x0781, 0x5581, "SanDisk Corp.", "Ultra"},
		{"LowercaseHex", 0x1209, 0x5D1D, "Generic", "Simulated Disk"},
		{"UnknownProduct", 0x0781, 0xFFFF, "SanDisk Corp.", ""},
		{"UnknownVendor", 0xFFFF, 0x0001, "", ""},
		{"AfterMalformedLine", 0xABCD, 0x0001, "Unknown Co", "Good Product"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.vendor, db.Vendor(tt.vid))
			assert.Equal(t, tt.product, db.Product(tt.vid, tt.pid))
		})
	}

	vendors, products := db.Len()
	assert.Equal(t, 3, vendors)
	assert.Equal(t, 4, products, "interfaces and class entries are skipped")
	assert.Empty(t, db.Product(0xABCD, 0x0006), "class subclass is not a product")
}

func TestOpen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "usb.ids")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o644))

	db, err := Open(filepath.Join(dir, "missing.ids"), path)
	require.NoError(t, err)
	assert.Equal(t, "Generic", db.Vendor(0x1209))

	_, err = Open(filepath.Join(dir, "missing.ids"))
	assert.ErrorIs(t, err, pkg.ErrNotSupported)
}

func TestNilDatabase(t *testing.T) {
	var db *Database
	assert.Empty(t, db.Vendor(0x1209))
	assert.Empty(t, db.Product(0x1209, 0x5D1D))
	v, p := db.Len()
	assert.Zero(t, v)
	assert.Zero(t, p)
}
