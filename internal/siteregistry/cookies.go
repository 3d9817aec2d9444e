package siteregistry

// CookieStrategy composes the extractor cookie-source flags from the
// DISABLE_BROWSER_COOKIES / FORCE_BROWSER_COOKIES environment toggles
// (spec §6), supplementing the original's env-driven cookie strategy
// (original_source/service/tasks/downloader.py) that spec.md's
// distillation names but never gives a component home.
type CookieStrategy struct {
	DisableBrowserCookies bool
	ForceBrowserCookies   bool
	CookiesFilePath       string
	BrowserName           string // e.g. "chrome", consulted when forcing browser extraction
}

// Args returns the extractor flags for this strategy. hasCookiesFile
// indicates whether CookiesFilePath currently exists on disk.
func (c CookieStrategy) Args(hasCookiesFile bool) []string {
	if c.DisableBrowserCookies {
		if hasCookiesFile {
			return []string{"--cookies", c.CookiesFilePath}
		}
		return nil
	}
	if hasCookiesFile && !c.ForceBrowserCookies {
		return []string{"--cookies", c.CookiesFilePath}
	}
	if c.ForceBrowserCookies || !hasCookiesFile {
		browser := c.BrowserName
		if browser == "" {
			browser = "chrome"
		}
		return []string{"--cookies-from-browser", browser}
	}
	return nil
}
