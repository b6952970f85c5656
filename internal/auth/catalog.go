package auth

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed catalog.yaml
var defaultCatalog []byte

// wildcardPermission in a catalog role expands to every catalog permission.
const wildcardPermission = "*"

// Catalog is the closed set of permissions plus the roles seeded at bootstrap.
type Catalog struct {
	Permissions []Permission  `yaml:"permissions"`
	Roles       []CatalogRole `yaml:"roles"`
}

type CatalogRole struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Permissions []string `yaml:"permissions"`
}

// DefaultCatalog returns the built-in catalog.
func DefaultCatalog() (Catalog, error) {
	return ParseCatalog(defaultCatalog)
}

// LoadCatalog reads a catalog document from path, or the built-in one when path is empty.
func LoadCatalog(path string) (Catalog, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return DefaultCatalog()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Catalog{}, fmt.Errorf("read catalog: %w", err)
	}
	return ParseCatalog(data)
}

// ParseCatalog decodes and validates a YAML catalog.
func ParseCatalog(data []byte) (Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Catalog{}, fmt.Errorf("decode catalog: %w", err)
	}
	if err := c.normalize(); err != nil {
		return Catalog{}, err
	}
	return c, nil
}

func (c *Catalog) normalize() error {
	known := make(map[string]struct{}, len(c.Permissions))
	for i, p := range c.Permissions {
		key := strings.TrimSpace(p.Key)
		if !validPermissionKey(key) {
			return fmt.Errorf("%w: catalog permission %q is not namespace.action", ErrInvalidInput, p.Key)
		}
		if _, dup := known[key]; dup {
			return fmt.Errorf("%w: catalog permission %q listed twice", ErrInvalidInput, key)
		}
		known[key] = struct{}{}
		c.Permissions[i].Key = key
	}
	names := make(map[string]struct{}, len(c.Roles))
	for i, r := range c.Roles {
		name := strings.TrimSpace(r.Name)
		if name == "" {
			return fmt.Errorf("%w: catalog role without name", ErrInvalidInput)
		}
		if _, dup := names[strings.ToLower(name)]; dup {
			return fmt.Errorf("%w: catalog role %q listed twice", ErrInvalidInput, name)
		}
		names[strings.ToLower(name)] = struct{}{}
		var perms []string
		for _, key := range r.Permissions {
			key = strings.TrimSpace(key)
			if key == wildcardPermission {
				perms = c.Keys()
				break
			}
			if _, ok := known[key]; !ok {
				return fmt.Errorf("%w: role %q references unknown permission %q", ErrInvalidInput, name, key)
			}
			perms = append(perms, key)
		}
		c.Roles[i].Name = name
		c.Roles[i].Permissions = NewPermissionSet(perms...).Keys()
	}
	return nil
}

// Keys returns every permission key in catalog order.
func (c Catalog) Keys() []string {
	out := make([]string, 0, len(c.Permissions))
	for _, p := range c.Permissions {
		out = append(out, p.Key)
	}
	return out
}

// Role looks up a catalog role by case-insensitive name.
func (c Catalog) Role(name string) (CatalogRole, bool) {
	for _, r := range c.Roles {
		if strings.EqualFold(r.Name, strings.TrimSpace(name)) {
			return r, true
		}
	}
	return CatalogRole{}, false
}

func validPermissionKey(key string) bool {
	ns, action, ok := strings.Cut(key, ".")
	return ok && ns != "" && action != "" && !strings.ContainsAny(key, " \t*")
}
