package store

import (
	"os"
	"path/filepath"

	"github.com/cuemby/swarmnode/pkg/log"
)

// NetworkKeyVersionFile is the per-node persisted namespace marker
// (spec.md §3, §6: "root_dir/network_key_version").
const NetworkKeyVersionFile = "network_key_version"

// RecordStoreDirName is the subdirectory holding one file per stored
// record (spec.md §3, §6: "root_dir/record_store/").
const RecordStoreDirName = "record_store"

// WipeIfNamespaceMismatch implements the startup namespace-wipe sequence
// (spec.md §4.1 "Namespace wipe", §8 Property 1, Scenario S1). It must
// run before the store opens any record file handle.
//
// Algorithm (spec.md §4.1, literal):
//  1. read network_key_version
//  2. absent -> write configured version, continue (nothing to wipe: the
//     record store directory is new or belongs to no prior namespace)
//  3. present and equal to configured -> continue
//  4. present and different -> recursively delete record_store/, then
//     write the new configured version
func WipeIfNamespaceMismatch(rootDir, configuredVersion string) error {
	if err := os.MkdirAll(rootDir, 0o755); err != nil {
		return err
	}

	versionPath := filepath.Join(rootDir, NetworkKeyVersionFile)
	recordsPath := filepath.Join(rootDir, RecordStoreDirName)

	existing, err := os.ReadFile(versionPath)
	switch {
	case os.IsNotExist(err):
		log.Logger.Info().Str("version", configuredVersion).Msg("no prior network_key_version found, initializing")
		return os.WriteFile(versionPath, []byte(configuredVersion), 0o644)
	case err != nil:
		return err
	}

	if string(existing) == configuredVersion {
		return nil
	}

	log.Logger.Warn().
		Str("previous_version", string(existing)).
		Str("configured_version", configuredVersion).
		Msg("network_key_version mismatch, wiping record store")

	if err := os.RemoveAll(recordsPath); err != nil {
		return err
	}
	return os.WriteFile(versionPath, []byte(configuredVersion), 0o644)
}
