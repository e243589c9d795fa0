// Copyright 2026 The Autopeer Authors
// SPDX-License-Identifier: Apache-2.0

// Package registry resolves identities against the dn42 registry: which
// SSH keys may authenticate a maintainer, and which AS numbers that
// maintainer may operate on.
//
// Directory is the pluggable capability consumed by the session manager
// (authentication) and the shell (authorization). FlatFile reads a
// plain registry checkout from disk on every call, so registry updates
// take effect without restarting the portal. A database- or
// service-backed Directory can be swapped in without touching either
// consumer.
package registry

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/crypto/ssh"
)

// Directory answers identity questions for the portal.
type Directory interface {
	// AuthorizedKeys returns the SSH public keys that may
	// authenticate the maintainer. An unknown maintainer yields an
	// empty slice, not an error.
	AuthorizedKeys(maintainer string) ([]ssh.PublicKey, error)

	// MaintainedASNs returns the AS numbers the maintainer is listed
	// as mnt-by for. An unknown maintainer yields an empty slice.
	MaintainedASNs(maintainer string) ([]uint32, error)
}

// maintainerPattern restricts maintainer names before they are used to
// build registry file paths.
var maintainerPattern = regexp.MustCompile(`^[A-Za-z0-9-]+$`)

// ValidMaintainerName reports whether name is safe to look up.
func ValidMaintainerName(name string) bool {
	return maintainerPattern.MatchString(name)
}

// FlatFile is a Directory backed by a dn42 registry checkout on disk.
// Maintainer objects live in <root>/data/mntner/<NAME>-MNT and aut-num
// objects in <root>/data/aut-num/AS<number>. Lookups read the files
// fresh on every call.
type FlatFile struct {
	root string
}

// NewFlatFile returns a Directory reading from the given registry
// checkout root.
func NewFlatFile(root string) *FlatFile {
	return &FlatFile{root: root}
}

// AuthorizedKeys parses the auth: attributes of the maintainer object.
// Lines that are not parseable SSH keys are skipped; a missing
// maintainer object yields no keys.
func (f *FlatFile) AuthorizedKeys(maintainer string) ([]ssh.PublicKey, error) {
	if !ValidMaintainerName(maintainer) {
		return nil, fmt.Errorf("registry: invalid maintainer name %q", maintainer)
	}

	path := filepath.Join(f.root, "data", "mntner", strings.ToUpper(maintainer)+"-MNT")
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("registry: reading maintainer %s: %w", maintainer, err)
	}
	defer file.Close()

	var keys []ssh.PublicKey
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 3 || fields[0] != "auth:" {
			continue
		}
		// auth: <key-type> <base64-key> [comment...]
		authorized := fields[1] + " " + fields[2]
		key, _, _, _, err := ssh.ParseAuthorizedKey([]byte(authorized))
		if err != nil {
			// PGP fingerprints and malformed entries share the
			// auth: attribute; skip anything that is not an SSH key.
			continue
		}
		keys = append(keys, key)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("registry: scanning maintainer %s: %w", maintainer, err)
	}
	return keys, nil
}

// MaintainedASNs scans the aut-num objects for mnt-by: attributes
// naming the maintainer. Results are ordered by filename (ascending
// AS number for the registry's zero-padded naming).
func (f *FlatFile) MaintainedASNs(maintainer string) ([]uint32, error) {
	if !ValidMaintainerName(maintainer) {
		return nil, fmt.Errorf("registry: invalid maintainer name %q", maintainer)
	}

	directory := filepath.Join(f.root, "data", "aut-num")
	entries, err := os.ReadDir(directory)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("registry: reading aut-num directory: %w", err)
	}

	mntBy := strings.ToUpper(maintainer) + "-MNT"
	var asns []uint32
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasPrefix(entry.Name(), "AS") {
			continue
		}
		asn, err := strconv.ParseUint(entry.Name()[2:], 10, 32)
		if err != nil {
			continue
		}
		maintained, err := f.objectMaintainedBy(filepath.Join(directory, entry.Name()), mntBy)
		if err != nil {
			return nil, err
		}
		if maintained {
			asns = append(asns, uint32(asn))
		}
	}
	return asns, nil
}

// objectMaintainedBy reports whether the registry object at path has a
// mnt-by: attribute equal to mntBy.
func (f *FlatFile) objectMaintainedBy(path, mntBy string) (bool, error) {
	file, err := os.Open(path)
	if err != nil {
		return false, fmt.Errorf("registry: reading %s: %w", path, err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 2 && fields[0] == "mnt-by:" && fields[1] == mntBy {
			return true, nil
		}
	}
	if err := scanner.Err(); err != nil {
		return false, fmt.Errorf("registry: scanning %s: %w", path, err)
	}
	return false, nil
}
