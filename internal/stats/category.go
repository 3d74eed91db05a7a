package stats

// Category names one trackable drink type. The set is fixed: the wire
// protocol, the durable record, and the feed all use these names.
type Category string

const (
	Espresso   Category = "espresso"
	Latte      Category = "latte"
	Cappuccino Category = "cappuccino"
	Iced       Category = "iced"
	Tea        Category = "tea"
)

var categories = []Category{Espresso, Latte, Cappuccino, Iced, Tea}

// Categories returns the fixed category set in display order.
func Categories() []Category {
	out := make([]Category, len(categories))
	copy(out, categories)
	return out
}

// ParseCategory validates a name arriving from the wire, the store, or a
// client intent.
func ParseCategory(s string) (Category, bool) {
	for _, known := range categories {
		if Category(s) == known {
			return known, true
		}
	}
	return "", false
}

func (c Category) String() string { return string(c) }
