package derpnet

import (
	"encoding/hex"
	"io"
	"os"
	"strings"
	"sync"

	"golang.org/x/xerrors"
)

var newlyGenerated struct {
	sync.Mutex
	key *SecretKey
}

// ParseAddress parses a relay host name, optionally with port, or a derpnet
// address of the form "host+local+server". Config is updated with information
// from "local" and "server". The leftover host is stored in config.Address.
//
// "Local" specifies our secret key, and must be one of:
//
//   - a literal hex-encoded key.
//     Keep in mind this address may be printed or logged, revealing it unintentionally.
//   - "fs", read the key from the file "secret_key" from the nearest ".derpnet"
//     directory. The default for plain host names when config has no secret key.
//   - "new", a new secret key is created and used for the lifetime of the program.
//   - "" (empty string), nothing is done, in which case the "config" parameter must
//     contain a secret key.
//
// "Server" specifies the public key of the relay server, and must be a
// comma-separated list of:
//
//   - a literal hex-encoded key.
//   - "known", check the key against the file "known_relays" from the nearest
//     ".derpnet" directory.
//   - "tofu", for trust on first use, like "known", but adds a line to the known
//     relays file for a previously unseen host, returning an error if no known
//     relays file was found.
//   - "any", for accepting any server key. The default: the relay cannot read
//     or forge packets, it can only drop them.
//
// Example addresses:
//
//	derp.example.com
//	derp.example.com+fs+known
//	derp.example.com:8443+fs+tofu
//	derp.example.com+new+any
func ParseAddress(address string, config *Config) error {
	// NOTE: we don't include the address in error messages: it might contain a secret key.

	if config.Address != "" && address == config.Address {
		return nil
	}
	if config.Address != "" {
		return prefixError(ErrBadConfig, "an address was already parsed into the config")
	}

	t := strings.Split(address, "+")
	if len(t) > 3 {
		return prefixError(ErrBadAddress, "found more than 3 plus-separated tokens in address")
	}
	if t[0] == "" {
		return prefixError(ErrBadAddress, "missing host")
	}
	if strings.ContainsAny(t[0], "/ ") {
		return prefixError(ErrBadAddress, "host must not contain slash or space")
	}

	config.Address = t[0]

	var err error
	if len(t) > 1 {
		err = loadSecret(t[1], config)
	} else if config.SecretKey == nil {
		err = loadSecret("fs", config)
	}
	if err != nil {
		return err
	}

	if len(t) > 2 {
		err = loadServer(t[2], config)
	}
	return err
}

func loadSecret(spec string, config *Config) error {
	switch spec {
	case "new":
		if config.SecretKey != nil {
			return prefixError(ErrBadConfig, "config already has a secret key")
		}
		newlyGenerated.Lock()
		defer newlyGenerated.Unlock()
		if newlyGenerated.key == nil {
			key, err := GenerateSecretKey(config.Rand)
			if err != nil {
				return err
			}
			newlyGenerated.key = &key
		}
		config.SecretKey = newlyGenerated.key
	case "fs":
		if config.SecretKey != nil {
			return prefixError(ErrBadConfig, "config already has a secret key")
		}
		key, err := readNearestSecretKeyFile()
		if err != nil {
			return xerrors.Errorf("reading nearest secret key in file system: %w", err)
		}
		config.SecretKey = key
	case "":
		if config.SecretKey == nil {
			return ErrNoSecretKey
		}
	default:
		key, err := ParseSecretKey(spec)
		if err != nil {
			return xerrors.Errorf("parsing secret key: %w", err)
		}
		config.SecretKey = &key
	}
	return nil
}

func loadServer(spec string, config *Config) error {
	for _, server := range strings.Split(spec, ",") {
		switch server {
		case "":
			// nothing to do
		case "known", "tofu", "any":
			if config.CheckServerKey != nil {
				return prefixError(ErrBadConfig, "config already has a CheckServerKey configured")
			}
			switch server {
			case "known":
				config.CheckServerKey = CheckKnownRelays
			case "tofu":
				config.isTofu = true
				config.CheckServerKey = CheckTrustOnFirstUse
			case "any":
				config.CheckServerKey = func(address string, key PublicKey) error {
					return nil
				}
			default:
				panic("missing case")
			}
		default:
			key, err := ParsePublicKey(server)
			if err != nil {
				return xerrors.Errorf("parsing server key: %w", err)
			}
			config.serverKeys = append(config.serverKeys, key)
		}
	}
	return nil
}

func readNearestSecretKeyFile() (*SecretKey, error) {
	dir, err := NearestDerpDir()
	if err != nil {
		return nil, err
	}

	f, err := os.Open(dir + "/secret_key")
	if err != nil {
		return nil, prefixError(ErrNoSecretKey, "opening secret key file: %s", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if info.Mode().Perm()&07 != 0 {
		return nil, prefixError(ErrNoSecretKey, "refusing to read secret key from world-accessible %s", f.Name())
	}

	// Hex key plus a trailing newline fits. The buffer is cleared when done.
	buf := make([]byte, 2*KeySize+4)
	defer func() {
		for i := range buf {
			buf[i] = 0
		}
	}()
	have := 0
	for {
		n, err := f.Read(buf[have:])
		have += n
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if have == len(buf) {
			return nil, prefixError(ErrBadKey, "too long for a secret key")
		}
	}
	key, err := ParseSecretKey(strings.TrimSpace(string(buf[:have])))
	if err != nil {
		return nil, err
	}
	return &key, nil
}

// WriteSecretKey writes key in hex to the file "secret_key" in dir, which
// must not exist yet.
func WriteSecretKey(dir string, key *SecretKey) error {
	f, err := os.OpenFile(dir+"/secret_key", os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	_, err = f.WriteString(hex.EncodeToString(key[:]) + "\n")
	if err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
