package model

// AppDefinition describes one launchable application on the desktop.
type AppDefinition struct {
	ID    string `json:"id" yaml:"id"`
	Name  string `json:"name" yaml:"name"`
	Icon  string `json:"icon" yaml:"icon"`
	Color string `json:"color" yaml:"color"`
	// Grounded apps are synthesized with web search grounding and get a references block.
	Grounded bool `json:"grounded" yaml:"grounded"`
}

// Catalog is the ordered set of applications shown on the desktop.
type Catalog []AppDefinition

// DefaultCatalog is the built-in application set.
var DefaultCatalog = Catalog{
	{ID: "my_computer", Name: "About Mac", Icon: "", Color: "#ffffff"},
	{ID: "documents", Name: "Finder", Icon: "📂", Color: "#1170FF"},
	{ID: "web_browser_app", Name: "Safari", Icon: "🧭", Color: "#007AFF", Grounded: true},
	{ID: "notepad_app", Name: "Notes", Icon: "📝", Color: "#FFD60A"},
	{ID: "calculator_app", Name: "Calculator", Icon: "🧮", Color: "#FF9500"},
	{ID: "settings_app", Name: "System Settings", Icon: "⚙️", Color: "#8E8E93"},
}

// Lookup finds an application by id.
func (c Catalog) Lookup(id string) (AppDefinition, bool) {
	for _, app := range c {
		if app.ID == id {
			return app, true
		}
	}
	return AppDefinition{}, false
}

// NameOf resolves an app context to a display name, falling back to the raw id.
func (c Catalog) NameOf(appContext string) string {
	if app, ok := c.Lookup(appContext); ok {
		return app.Name
	}
	return appContext
}
