// Package mibindex resolves symbolic MIB names to OIDs and back.
//
// A subagent registers its objects under OID strings that may be numeric
// (".1.3.6.1.4.1.8072.2.1.0") or symbolic ("EXAMPLE-MIB::exampleInteger"
// or "EXAMPLE-MIB::exampleInteger.0"). The index parses MIB files with a
// small regex-based reader covering the constructs that matter for name
// resolution (OBJECT-TYPE, OBJECT-IDENTITY, NOTIFICATION-TYPE,
// MODULE-IDENTITY and plain OBJECT IDENTIFIER assignments) and keeps both
// directions: name to OID for registration, longest-prefix OID to name for
// log and introspection output.
//
// Basic Usage:
//
//	index := mibindex.New()
//	if err := index.LoadFile("EXAMPLE-MIB.txt"); err != nil {
//		log.Fatal(err)
//	}
//
//	oid, err := index.ResolveOID("EXAMPLE-MIB::exampleInteger.0")
//	name := index.NameOf(oid) // "EXAMPLE-MIB::exampleInteger.0"
//
// The parser is not a full SMI compiler: IMPORTS are not followed, so the
// well-known anchors (iso, mib-2, enterprises, ...) are preseeded and a
// MIB referring to a parent from another loaded file resolves as long as
// both files are loaded into the same index.
package mibindex

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/geekxflood/subagent/agentx"
)

// Entry is one name/OID mapping extracted from a MIB.
type Entry struct {
	Module string
	Name   string
	OID    agentx.OID
}

// Index holds the loaded name/OID mappings. Safe for concurrent use.
type Index struct {
	mu sync.RWMutex

	// byName maps both "MODULE::name" and bare "name" to the OID. Bare
	// names keep first-loaded-wins semantics when modules collide.
	byName map[string]agentx.OID

	// byOID maps the dotted numeric form to "MODULE::name".
	byOID map[string]string

	loaded map[string]bool
}

// wellKnown seeds the anchors MIB files hang their definitions off.
var wellKnown = map[string]string{
	"iso":          "1",
	"org":          "1.3",
	"dod":          "1.3.6",
	"internet":     "1.3.6.1",
	"directory":    "1.3.6.1.1",
	"mgmt":         "1.3.6.1.2",
	"mib-2":        "1.3.6.1.2.1",
	"system":       "1.3.6.1.2.1.1",
	"interfaces":   "1.3.6.1.2.1.2",
	"transmission": "1.3.6.1.2.1.10",
	"experimental": "1.3.6.1.3",
	"private":      "1.3.6.1.4",
	"enterprises":  "1.3.6.1.4.1",
	"security":     "1.3.6.1.5",
	"snmpV2":       "1.3.6.1.6",
	"snmpDomains":  "1.3.6.1.6.1",
	"snmpProxys":   "1.3.6.1.6.2",
	"snmpModules":  "1.3.6.1.6.3",
}

// New returns an empty index preseeded with the well-known anchors.
func New() *Index {
	ix := &Index{
		byName: make(map[string]agentx.OID),
		byOID:  make(map[string]string),
		loaded: make(map[string]bool),
	}
	for name, oid := range wellKnown {
		ix.byName[name] = agentx.MustParseOID(oid)
	}
	return ix
}

// LoadFile parses one MIB file into the index. Loading the same path twice
// is a no-op.
func (ix *Index) LoadFile(path string) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if ix.loaded[path] {
		return nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read MIB file: %w", err)
	}

	entries, err := parse(string(content), ix.byName)
	if err != nil {
		return fmt.Errorf("parse MIB file %s: %w", path, err)
	}

	for _, entry := range entries {
		qualified := entry.Module + "::" + entry.Name
		ix.byName[qualified] = entry.OID
		if _, exists := ix.byName[entry.Name]; !exists {
			ix.byName[entry.Name] = entry.OID
		}
		ix.byOID[entry.OID.String()] = qualified
	}

	ix.loaded[path] = true
	return nil
}

// LoadDir loads every MIB-looking file (.mib, .txt or extensionless) under
// dir. Files that fail to load, whether unreadable or unparseable, are
// skipped so one stray file cannot block the rest of a MIB directory; a
// missing or unwalkable directory still fails.
func (ix *Index) LoadDir(dir string) error {
	if _, err := os.Stat(dir); err != nil {
		return fmt.Errorf("MIB directory: %w", err)
	}

	var paths []string
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() && isMIBFile(path) {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return err
	}

	// Deterministic load order keeps bare-name collisions stable.
	sort.Strings(paths)
	for _, path := range paths {
		if err := ix.LoadFile(path); err != nil {
			continue
		}
	}
	return nil
}

// ResolveOID turns an OID string into its numeric form. Accepted shapes:
//
//   - numeric, with or without leading dot: ".1.3.6.1.2.1.1.1.0"
//   - qualified symbolic: "EXAMPLE-MIB::exampleInteger"
//   - bare symbolic: "exampleInteger"
//   - symbolic with instance suffix: "EXAMPLE-MIB::exampleInteger.0"
func (ix *Index) ResolveOID(s string) (agentx.OID, error) {
	if s == "" {
		return nil, fmt.Errorf("empty OID string")
	}

	// Purely numeric strings bypass the index.
	if strings.IndexFunc(s, func(r rune) bool {
		return r != '.' && (r < '0' || r > '9')
	}) == -1 {
		return agentx.ParseOID(s)
	}

	name := s
	var suffix agentx.OID
	if dot := strings.IndexByte(symbolTail(s), '.'); dot >= 0 {
		cut := len(s) - len(symbolTail(s)) + dot
		parsed, err := agentx.ParseOID(s[cut+1:])
		if err != nil {
			return nil, fmt.Errorf("invalid instance suffix in %q: %w", s, err)
		}
		name, suffix = s[:cut], parsed
	}

	ix.mu.RLock()
	oid, ok := ix.byName[name]
	ix.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown MIB name %q", name)
	}
	return oid.Append(suffix...), nil
}

// symbolTail returns the part of s after a "MODULE::" qualifier, or s
// itself when there is none.
func symbolTail(s string) string {
	if i := strings.Index(s, "::"); i >= 0 {
		return s[i+2:]
	}
	return s
}

// NameOf renders an OID symbolically using the longest known prefix, e.g.
// "EXAMPLE-MIB::exampleInteger.0". Unknown OIDs come back in dotted
// numeric form.
func (ix *Index) NameOf(oid agentx.OID) string {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	for cut := len(oid); cut > 0; cut-- {
		if name, ok := ix.byOID[oid[:cut].String()]; ok {
			rest := oid[cut:]
			if len(rest) == 0 {
				return name
			}
			return name + agentx.OID(rest).String()
		}
	}
	return oid.String()
}

// Known reports how many name mappings the index holds, excluding the
// preseeded anchors.
func (ix *Index) Known() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.byOID)
}

// MIB file parsing. A deliberately small regex-based reader in the spirit
// of snmptranslate tooling, not an SMI compiler.

var (
	moduleRegex = regexp.MustCompile(`(?m)^\s*([A-Za-z][\w-]*)\s+DEFINITIONS\s*::=\s*BEGIN`)

	// name OBJECT-TYPE ... ::= { parent 1 }, also OBJECT-IDENTITY,
	// MODULE-IDENTITY and NOTIFICATION-TYPE bodies.
	descriptorRegex = regexp.MustCompile(
		`(?s)([A-Za-z][\w-]*)\s+` +
			`(OBJECT-TYPE|OBJECT-IDENTITY|MODULE-IDENTITY|NOTIFICATION-TYPE)` +
			`.*?::=\s*\{([^}]+)\}`)

	// name OBJECT IDENTIFIER ::= { parent 1 }
	oidAssignRegex = regexp.MustCompile(
		`([A-Za-z][\w-]*)\s+OBJECT\s+IDENTIFIER\s*::=\s*\{([^}]+)\}`)

	// Sub-identifier tokens inside { ... }: "name", "42" or "name(42)".
	subIDRegex = regexp.MustCompile(`([A-Za-z][\w-]*)\((\d+)\)|([A-Za-z][\w-]*)|(\d+)`)

	commentRegex = regexp.MustCompile(`(?m)--.*$`)
	importsRegex = regexp.MustCompile(`(?s)IMPORTS.*?;`)
)

type rawEntry struct {
	name string
	body string
}

// parse extracts all name/OID mappings from one MIB file's content. The
// known map supplies already-resolved parents (anchors plus previously
// loaded modules); newly resolved names are added to the local scope only.
func parse(content string, known map[string]agentx.OID) ([]Entry, error) {
	moduleMatch := moduleRegex.FindStringSubmatch(content)
	if moduleMatch == nil {
		return nil, fmt.Errorf("no DEFINITIONS clause found")
	}
	module := moduleMatch[1]

	// Comments and the IMPORTS block would otherwise confuse the
	// descriptor matching below.
	content = commentRegex.ReplaceAllString(content, "")
	content = importsRegex.ReplaceAllString(content, "")

	var raw []rawEntry
	for _, m := range descriptorRegex.FindAllStringSubmatch(content, -1) {
		raw = append(raw, rawEntry{name: m[1], body: m[3]})
	}
	for _, m := range oidAssignRegex.FindAllStringSubmatch(content, -1) {
		raw = append(raw, rawEntry{name: m[1], body: m[2]})
	}

	// Local resolution scope: module definitions can reference each other
	// in any order, so iterate until a pass resolves nothing new.
	scope := make(map[string]agentx.OID, len(known))
	for name, oid := range known {
		scope[name] = oid
	}

	var entries []Entry
	pending := raw
	for len(pending) > 0 {
		var unresolved []rawEntry
		progress := false

		for _, r := range pending {
			oid, ok := resolveBody(r.body, scope)
			if !ok {
				unresolved = append(unresolved, r)
				continue
			}
			scope[r.name] = oid
			entries = append(entries, Entry{Module: module, Name: r.name, OID: oid})
			progress = true
		}

		if !progress {
			// Remaining entries reference unknown parents (unloaded
			// imports); skip them rather than failing the whole file.
			break
		}
		pending = unresolved
	}

	return entries, nil
}

// resolveBody resolves the contents of an ::= { ... } clause against the
// scope, e.g. "exampleMIB 1" or "iso org(3) dod(6) 1".
func resolveBody(body string, scope map[string]agentx.OID) (agentx.OID, bool) {
	var oid agentx.OID
	matches := subIDRegex.FindAllStringSubmatch(body, -1)
	if len(matches) == 0 {
		return nil, false
	}

	for i, m := range matches {
		switch {
		case m[2] != "": // name(number)
			n, _ := strconv.ParseUint(m[2], 10, 32)
			oid = append(oid, uint32(n))
		case m[4] != "": // plain number
			n, _ := strconv.ParseUint(m[4], 10, 32)
			oid = append(oid, uint32(n))
		default: // plain name, only meaningful as the leading parent
			parent, ok := scope[m[3]]
			if !ok || i != 0 {
				return nil, false
			}
			oid = append(oid, parent...)
		}
	}
	return oid, true
}

func isMIBFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".mib", ".txt", "":
		return true
	default:
		return false
	}
}
