package rules

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// PackVersion is the only pack file format version this build reads.
const PackVersion = 1

// LoadAlarmsFromDirectory discovers and parses every alarm pack file
// under dirPath. Parse failures are reported per file; parseable files
// still load.
func LoadAlarmsFromDirectory(dirPath string) ([]AlarmWithFile, []ValidationError) {
	var alarms []AlarmWithFile
	var errs []ValidationError

	files, err := discoverYAMLFiles(dirPath)
	if err != nil {
		errs = append(errs, ValidationError{
			File:    dirPath,
			Message: fmt.Sprintf("failed to read directory: %v", err),
		})
		return nil, errs
	}

	for _, file := range files {
		var pack AlarmPackFile
		if err := parseYAMLFile(file, &pack); err != nil {
			errs = append(errs, ValidationError{
				File:    file,
				Message: fmt.Sprintf("failed to parse YAML: %v", err),
			})
			continue
		}
		if pack.Version != PackVersion {
			errs = append(errs, ValidationError{
				File:    file,
				Path:    "version",
				Message: fmt.Sprintf("unsupported pack version %d (want %d)", pack.Version, PackVersion),
			})
			continue
		}
		for i := range pack.Alarms {
			alarms = append(alarms, AlarmWithFile{Alarm: &pack.Alarms[i], File: file})
		}
	}
	return alarms, errs
}

// LoadRulesFromDirectory discovers and parses every correlation rule pack
// file under dirPath.
func LoadRulesFromDirectory(dirPath string) ([]RuleWithFile, []ValidationError) {
	var loaded []RuleWithFile
	var errs []ValidationError

	files, err := discoverYAMLFiles(dirPath)
	if err != nil {
		errs = append(errs, ValidationError{
			File:    dirPath,
			Message: fmt.Sprintf("failed to read directory: %v", err),
		})
		return nil, errs
	}

	for _, file := range files {
		var pack RulePackFile
		if err := parseYAMLFile(file, &pack); err != nil {
			errs = append(errs, ValidationError{
				File:    file,
				Message: fmt.Sprintf("failed to parse YAML: %v", err),
			})
			continue
		}
		if pack.Version != PackVersion {
			errs = append(errs, ValidationError{
				File:    file,
				Path:    "version",
				Message: fmt.Sprintf("unsupported pack version %d (want %d)", pack.Version, PackVersion),
			})
			continue
		}
		for i := range pack.Rules {
			loaded = append(loaded, RuleWithFile{Rule: &pack.Rules[i], File: file})
		}
	}
	return loaded, errs
}

func discoverYAMLFiles(dirPath string) ([]string, error) {
	var files []string
	err := filepath.Walk(dirPath, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		ext := filepath.Ext(path)
		if ext == ".yaml" || ext == ".yml" {
			files = append(files, path)
		}
		return nil
	})
	return files, err
}

func parseYAMLFile(filePath string, out any) error {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, out)
}
