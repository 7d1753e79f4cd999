package persist

import (
	"bytes"
	"encoding/json"
	"fmt"

	"driver-dispatch/internal/dispatch/domain"
)

// volatileKeys were stored by v1 and must never be restored.
var volatileKeys = []string{
	"driver_status",
	"is_on_duty",
	"current_order",
	"driver_location",
	"location",
	"orders",
	"refused_order_ids",
	"messages",
}

// migrations[v] turns a version v blob into version v+1.
var migrations = map[int]func(map[string]any) error{
	1: migrateV1,
	2: migrateV2,
}

// Decode parses a stored blob of any supported version into the current
// State. It reports whether a migration ran.
func Decode(data []byte) (State, bool, error) {
	raw := map[string]any{}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return State{}, false, domain.PersistenceError("decode state", err)
	}

	version, err := versionOf(raw)
	if err != nil {
		return State{}, false, err
	}
	if version > CurrentVersion {
		return State{}, false, domain.PersistenceError("decode state",
			fmt.Errorf("version %d is newer than supported %d", version, CurrentVersion))
	}

	migrated := false
	for v := version; v < CurrentVersion; v++ {
		if err := migrations[v](raw); err != nil {
			return State{}, false, domain.PersistenceError(fmt.Sprintf("migrate v%d", v), err)
		}
		raw["version"] = v + 1
		migrated = true
	}

	normalized, err := json.Marshal(raw)
	if err != nil {
		return State{}, false, domain.PersistenceError("re-encode state", err)
	}
	st := DefaultState()
	if err := json.Unmarshal(normalized, &st); err != nil {
		return State{}, false, domain.PersistenceError("decode state", err)
	}
	if st.History == nil {
		st.History = []domain.Order{}
	}
	return st, migrated, nil
}

// Encode writes the current version
func Encode(st State) ([]byte, error) {
	st.Version = CurrentVersion
	data, err := json.Marshal(st)
	if err != nil {
		return nil, domain.PersistenceError("encode state", err)
	}
	return data, nil
}

// versionOf treats a blob without a version as v1, the pre-versioning shape.
func versionOf(raw map[string]any) (int, error) {
	v, ok := raw["version"]
	if !ok {
		return 1, nil
	}
	n, ok := v.(json.Number)
	if !ok {
		return 0, domain.PersistenceError("decode state", fmt.Errorf("version is %T", v))
	}
	version, err := n.Int64()
	if err != nil || version < 1 {
		return 0, domain.PersistenceError("decode state", fmt.Errorf("invalid version %q", n))
	}
	return int(version), nil
}

// migrateV1 converts float earnings to cents and drops volatile fields.
func migrateV1(raw map[string]any) error {
	if v, ok := raw["earnings"]; ok {
		cents, err := decimalCents(v)
		if err != nil {
			return fmt.Errorf("earnings: %w", err)
		}
		if _, exists := raw["earnings_in_cents"]; !exists {
			raw["earnings_in_cents"] = cents
		}
		delete(raw, "earnings")
	}
	for _, k := range volatileKeys {
		delete(raw, k)
	}
	return nil
}

// migrateV2 moves history prices to integer cents. An existing
// price_in_cents wins over the float.
func migrateV2(raw map[string]any) error {
	history, ok := raw["history"].([]any)
	if !ok {
		return nil
	}
	for i, item := range history {
		order, ok := item.(map[string]any)
		if !ok {
			return fmt.Errorf("history[%d] is %T", i, item)
		}
		price, hasPrice := order["price"]
		if !hasPrice {
			continue
		}
		if _, exists := order["price_in_cents"]; !exists {
			cents, err := decimalCents(price)
			if err != nil {
				return fmt.Errorf("history[%d].price: %w", i, err)
			}
			order["price_in_cents"] = cents
		}
		delete(order, "price")
	}
	return nil
}

// decimalCents rounds a decoded JSON number to cents in decimal, so a
// stored 12.3 becomes exactly 1230.
func decimalCents(v any) (int64, error) {
	switch n := v.(type) {
	case json.Number:
		m, err := domain.ParseMoney(n.String())
		if err != nil {
			// Exponent form such as 1.5e2.
			f, ferr := n.Float64()
			if ferr != nil {
				return 0, err
			}
			if m, err = domain.MoneyFromFloat(f); err != nil {
				return 0, err
			}
		}
		return m.Cents(), nil
	case string:
		m, err := domain.ParseMoney(n)
		if err != nil {
			return 0, err
		}
		return m.Cents(), nil
	case nil:
		return 0, nil
	}
	return 0, fmt.Errorf("unexpected %T", v)
}
