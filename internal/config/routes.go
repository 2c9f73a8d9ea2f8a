package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"bookpay/internal/payments"
)

// routesFile is the PAYMENT_ROUTES_FILE layout:
//
//	routes:
//	  ETB: telebirr
//	  "*": chapa
type routesFile struct {
	Routes map[string]string `yaml:"routes"`
}

var knownMethods = map[payments.Method]bool{
	payments.MethodTelebirr: true,
	payments.MethodChapa:    true,
	payments.MethodCBEBirr:  true,
}

func LoadRoutes(path string) (map[string]payments.Method, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read routes file: %w", err)
	}
	return ParseRoutes(b)
}

func ParseRoutes(b []byte) (map[string]payments.Method, error) {
	var f routesFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("parse routes file: %w", err)
	}
	if len(f.Routes) == 0 {
		return nil, fmt.Errorf("parse routes file: no routes")
	}

	out := make(map[string]payments.Method, len(f.Routes))
	for cur, m := range f.Routes {
		method := payments.ParseMethod(m)
		if !knownMethods[method] {
			return nil, fmt.Errorf("parse routes file: unknown gateway %q for %s", m, cur)
		}
		out[strings.ToUpper(strings.TrimSpace(cur))] = method
	}
	return out, nil
}
