package derpnet

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
)

// knownRelayVersion is the first word of lines in known_relays. Lines with
// other versions are skipped.
const knownRelayVersion = "derp1"

type knownRelay struct {
	Address    string
	ServerKey  PublicKey
	Linenumber int
}

func readKnownRelays() (string, map[string][]knownRelay, error) {
	dir, err := NearestDerpDir()
	if err != nil {
		return "", nil, err
	}

	filename := dir + "/known_relays"
	f, err := os.Open(filename)
	if err != nil {
		return "", nil, prefixError(ErrNoKnownRelays, "opening known relays file: %s", err)
	}
	defer f.Close()

	relays := map[string][]knownRelay{}

	b := bufio.NewReader(f)
	linenumber := 0
	for {
		line, err := b.ReadString('\n')
		if err != nil && err != io.EOF {
			return filename, nil, err
		}
		if line == "" && err == io.EOF {
			break
		}
		linenumber++
		line = strings.TrimSuffix(line, "\n")
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		t := strings.Split(line, " ")
		if len(t) != 3 {
			return filename, nil, prefixError(errBadKnownHosts, "%s:%d: malformed line, expect three space-separated words", filename, linenumber)
		}
		version, address, keyStr := t[0], t[1], t[2]
		if version != knownRelayVersion {
			continue
		}

		key, err := ParsePublicKey(keyStr)
		if err != nil {
			return filename, nil, prefixError(errBadKnownHosts, "%s:%d: %s", filename, linenumber, err)
		}
		relays[address] = append(relays[address], knownRelay{address, key, linenumber})
	}
	return filename, relays, nil
}

func addKnownRelay(address string, key PublicKey) error {
	f, err := findNearestFile(".derpnet/known_relays")
	if err != nil {
		return err
	}
	name := f.Name()
	f.Close()

	os.MkdirAll(path.Dir(name), 0700)
	f, err = os.OpenFile(name, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(f, "%s %s %s\n", knownRelayVersion, address, key)
	if err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func matchKnown(filename, address string, key PublicKey, l []knownRelay) error {
	for _, kr := range l {
		if kr.ServerKey == key {
			return nil
		}
	}
	if len(l) == 1 {
		return prefixError(ErrServerUntrusted, "%s:%d: key mismatch for %q, got %s, expected %s, potential MITM", filename, l[0].Linenumber, address, key, l[0].ServerKey)
	}
	return prefixError(ErrServerUntrusted, "%s: none of the multiple keys for %q match", filename, address)
}

// CheckKnownRelays looks up address in the "known_relays" file in the nearest
// ".derpnet" directory. If it is present and the server key matches,
// CheckKnownRelays returns nil.
//
// CheckKnownRelays implements the server specifier "known" in derpnet addresses.
func CheckKnownRelays(address string, key PublicKey) error {
	filename, relays, err := readKnownRelays()
	if err != nil {
		return err
	}
	l, ok := relays[address]
	if !ok {
		return prefixError(ErrServerUntrusted, "unknown relay %q with server key %s", address, key)
	}
	return matchKnown(filename, address, key, l)
}

// CheckTrustOnFirstUse is like CheckKnownRelays. If the address is not in the
// "known_relays" file yet, CheckTrustOnFirstUse adds it with the server key.
// Future connections to the same relay require the same server key.
//
// It is an error if the "known_relays" file does not exist yet.
//
// CheckTrustOnFirstUse implements the server specifier "tofu" in derpnet addresses.
func CheckTrustOnFirstUse(address string, key PublicKey) error {
	filename, relays, err := readKnownRelays()
	if err != nil {
		return err
	}
	l, ok := relays[address]
	if !ok {
		err := addKnownRelay(address, key)
		if err != nil {
			return fmt.Errorf("adding %s with server key %s to known relays file: %s", address, key, err)
		}
		return nil
	}
	return matchKnown(filename, address, key, l)
}
