package policy

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/load"
)

// LoadDir compiles every CUE document in dir into a policy Set.
// All errors are collected rather than failing on the first, so `safla
// validate` can report a complete picture of a broken policy directory.
func LoadDir(dir string) (*Set, []error) {
	info, err := os.Stat(dir)
	if os.IsNotExist(err) {
		return nil, []error{fmt.Errorf("policy directory not found: %s", dir)}
	}
	if err != nil {
		return nil, []error{fmt.Errorf("accessing policy directory: %w", err)}
	}
	if !info.IsDir() {
		return nil, []error{fmt.Errorf("not a directory: %s", dir)}
	}

	cueFiles, err := findCUEFiles(dir)
	if err != nil {
		return nil, []error{fmt.Errorf("scanning policy directory: %w", err)}
	}
	if len(cueFiles) == 0 {
		return nil, []error{fmt.Errorf("no CUE files found in %s", dir)}
	}

	ctx := cuecontext.New()
	instances := load.Instances([]string{"."}, &load.Config{Dir: dir})
	if len(instances) == 0 {
		return nil, []error{fmt.Errorf("no CUE instances loaded from %s", dir)}
	}
	inst := instances[0]
	if inst.Err != nil {
		return nil, []error{fmt.Errorf("loading CUE files: %w", inst.Err)}
	}

	value := ctx.BuildInstance(inst)
	if err := value.Err(); err != nil {
		return nil, []error{formatCUEError(err)}
	}

	return Compile(value)
}

// Compile extracts constraints and calibrations from a built CUE value.
// Constraints are ordered by name so validation output is deterministic
// regardless of file layout.
func Compile(value cue.Value) (*Set, []error) {
	var errs []error
	set := &Set{Calibrations: make(map[string]Calibration)}

	if constraintsVal := value.LookupPath(cue.ParsePath("constraint")); constraintsVal.Exists() {
		iter, iterErr := constraintsVal.Fields()
		if iterErr != nil {
			errs = append(errs, formatCUEError(iterErr))
		} else {
			for iter.Next() {
				c, err := CompileConstraint(iter.Label(), iter.Value())
				if err != nil {
					errs = append(errs, err)
					continue
				}
				set.Constraints = append(set.Constraints, c)
			}
		}
	}

	if calVal := value.LookupPath(cue.ParsePath("calibration")); calVal.Exists() {
		iter, iterErr := calVal.Fields()
		if iterErr != nil {
			errs = append(errs, formatCUEError(iterErr))
		} else {
			for iter.Next() {
				cal, err := CompileCalibration(iter.Label(), iter.Value())
				if err != nil {
					errs = append(errs, err)
					continue
				}
				set.Calibrations[cal.SensorType] = cal
			}
		}
	}

	if len(set.Constraints) == 0 && len(errs) == 0 {
		errs = append(errs, fmt.Errorf("policy declares no constraints"))
	}

	sort.Slice(set.Constraints, func(i, j int) bool {
		return set.Constraints[i].Name < set.Constraints[j].Name
	})

	if len(errs) > 0 {
		return set, errs
	}
	return set, nil
}

// findCUEFiles returns all .cue files directly under dir.
func findCUEFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var files []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if strings.HasSuffix(entry.Name(), ".cue") {
			files = append(files, filepath.Join(dir, entry.Name()))
		}
	}
	sort.Strings(files)
	return files, nil
}
