// Package usbid resolves vendor and product IDs to names using the usb.ids
// database shipped with usbutils and hwdata.
package usbid

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/ardnew/softhcd/pkg"
)

// DefaultPaths lists the usual locations of usb.ids.
var DefaultPaths = []string{
	"/usr/share/hwdata/usb.ids",
	"/var/lib/usbutils/usb.ids",
	"/usr/share/misc/usb.ids",
}

// Database maps vendor and product IDs to names. It is read-only after
// construction and safe for concurrent lookups.
type Database struct {
	vendors  map[uint16]string
	products map[uint32]string // VID<<16 | PID
}

// Open parses the first readable file among paths, or DefaultPaths when
// none are given. It returns pkg.ErrNotSupported if no file could be opened.
func Open(paths ...string) (*Database, error) {
	if len(paths) == 0 {
		paths = DefaultPaths
	}
	for _, path := range paths {
		f, err := os.Open(path)
		if err != nil {
			continue
		}
		db, err := Parse(f)
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		pkg.LogDebug(pkg.ComponentHost, "loaded usb.ids", "path", path,
			"vendors", len(db.vendors), "products", len(db.products))
		return db, nil
	}
	return nil, fmt.Errorf("usb.ids: %w", pkg.ErrNotSupported)
}

// Parse reads the vendor section of a usb.ids file. Device class and other
// trailing sections are skipped.
func Parse(r io.Reader) (*Database, error) {
	db := &Database{
		vendors:  make(map[uint16]string),
		products: make(map[uint32]string),
	}
	sc := bufio.NewScanner(r)
	vendor, inVendor := uint16(0), false
	for sc.Scan() {
		line := sc.Text()
		if line == "" || line[0] == '#' {
			continue
		}
		if line[0] == '\t' {
			// Interface lines are indented twice.
			if !inVendor || strings.HasPrefix(line, "\t\t") {
				continue
			}
			if id, name, ok := entry(line[1:]); ok {
				db.products[uint32(vendor)<<16|uint32(id)] = name
			}
			continue
		}
		id, name, ok := entry(line)
		inVendor = ok
		if ok {
			vendor = id
			db.vendors[id] = name
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return db, nil
}

// entry splits "xxxx  Name". Non-hex prefixes such as the "C " class
// section fail.
func entry(line string) (uint16, string, bool) {
	if len(line) < 6 || line[4] != ' ' {
		return 0, "", false
	}
	id, err := strconv.ParseUint(line[:4], 16, 16)
	if err != nil {
		return 0, "", false
	}
	return uint16(id), strings.TrimSpace(line[5:]), true
}

// Vendor returns the vendor name, or "" if unknown.
func (db *Database) Vendor(vid uint16) string {
	if db == nil {
		return ""
	}
	return db.vendors[vid]
}

// Product returns the product name, or "" if unknown.
func (db *Database) Product(vid, pid uint16) string {
	if db == nil {
		return ""
	}
	return db.products[uint32(vid)<<16|uint32(pid)]
}

// Len returns the number of vendors and products.
func (db *Database) Len() (vendors, products int) {
	if db == nil {
		return 0, 0
	}
	return len(db.vendors), len(db.products)
}
