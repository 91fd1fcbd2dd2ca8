package derpnet

import (
	"os"
	"path"
)

func findNearestFile(name string) (*os.File, error) {
	dir, err := os.Getwd()
	if err != nil {
		return nil, err
	}

	for lastDir := ""; dir != lastDir; lastDir, dir = dir, path.Dir(dir) {
		f, err := os.Open(dir + "/" + name)
		if err != nil && os.IsNotExist(err) {
			continue
		}
		return f, err
	}
	return nil, os.ErrNotExist
}

// NearestDerpDir locates the nearest directory named ".derpnet", starting at
// the current directory and walking up to the root. If no directory was
// found, ErrNoDerpDir is returned.
func NearestDerpDir() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}

	for lastDir := ""; dir != lastDir; lastDir, dir = dir, path.Dir(dir) {
		name := dir + "/.derpnet"
		info, err := os.Stat(name)
		if err != nil && os.IsNotExist(err) {
			continue
		}
		if err == nil && !info.Mode().IsDir() {
			return name, prefixError(ErrNoDerpDir, "%s not a directory", name)
		}
		return name, err
	}
	return "", ErrNoDerpDir
}

// InitDerpDir creates a ".derpnet" directory in dir with a new secret key and
// an empty known_relays file, returning the generated key.
func InitDerpDir(dir string, config *Config) (*SecretKey, error) {
	derpDir := dir + "/.derpnet"
	if err := os.Mkdir(derpDir, 0700); err != nil {
		return nil, err
	}
	key, err := GenerateSecretKey(config.Rand)
	if err != nil {
		return nil, err
	}
	if err := WriteSecretKey(derpDir, &key); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(derpDir+"/known_relays", os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
	if err != nil {
		return nil, err
	}
	return &key, f.Close()
}
