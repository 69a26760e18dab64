//go:build !no_macro

// Package macro runs operator-triggered Lua scripts against the engine.
// Macros are plain .lua files in one directory; they run only when asked to.
package macro

// Meta holds the optional metadata line of a macro file.
type Meta struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// Macro is one script stored on disk.
type Macro struct {
	ID       string `json:"id"` // filename stem (no .lua)
	Meta     Meta   `json:"meta"`
	LuaCode  string `json:"lua_code"`
	FilePath string `json:"-"`
}
