package upload

import (
	"strings"

	"github.com/casework/client-dedup/core"
)

// programCache resolves program names from upload rows. Built once per
// upload from the departments and programs on file.
type programCache struct {
	byName      map[string][]core.Program
	departments map[core.DepartmentID]string
}

func newProgramCache(departments []core.Department, programs []core.Program) programCache {
	c := programCache{
		byName:      make(map[string][]core.Program, len(programs)),
		departments: make(map[core.DepartmentID]string, len(departments)),
	}
	for _, d := range departments {
		c.departments[d.ID] = nameKey(d.Name)
	}
	for _, p := range programs {
		k := nameKey(p.Name)
		c.byName[k] = append(c.byName[k], p)
	}
	return c
}

// resolve finds a program by case-insensitive name. When several programs
// share the name, the one in the named department wins, then an active one.
func (c programCache) resolve(program, department string) (core.Program, bool) {
	candidates := c.byName[nameKey(program)]
	if len(candidates) == 0 {
		return core.Program{}, false
	}
	if dept := nameKey(department); dept != "" {
		for _, p := range candidates {
			if c.departments[p.DepartmentID] == dept {
				return p, true
			}
		}
	}
	for _, p := range candidates {
		if p.IsActive {
			return p, true
		}
	}
	return candidates[0], true
}

func nameKey(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}
