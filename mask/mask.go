// Package mask assembles the pre-navigation init script that hides
// automation signals. The script is installed once per browser context
// and only affects pages navigated to afterwards.
package mask

import (
	"encoding/json"
	"strings"

	"github.com/hazyhaar/oddswatch/fingerprint"
)

// Config enumerates the property sets the script covers.
type Config struct {
	Webdriver            bool `yaml:"webdriver"`
	PlaywrightIndicators bool `yaml:"playwright_indicators"`
	Process              bool `yaml:"process"`
	Plugins              bool `yaml:"plugins"`
	ChromeRuntime        bool `yaml:"chrome_runtime"`
	Permissions          bool `yaml:"permissions"`
}

// DefaultConfig enables everything.
func DefaultConfig() Config {
	return Config{
		Webdriver:            true,
		PlaywrightIndicators: true,
		Process:              true,
		Plugins:              true,
		ChromeRuntime:        true,
		Permissions:          true,
	}
}

const webdriverJS = `
(() => {
  delete Object.getPrototypeOf(navigator).webdriver;
  try { delete navigator.webdriver; } catch (e) {}
  Object.defineProperty(navigator, 'webdriver', {
    get: () => undefined,
    configurable: true,
  });
})();`

const consoleJS = `
(() => {
  const iframe = document.createElement('iframe');
  iframe.style.display = 'none';
  const attach = () => {
    if (!document.documentElement) return;
    document.documentElement.appendChild(iframe);
    if (iframe.contentWindow && iframe.contentWindow.console) {
      for (const k of ['log', 'debug', 'info', 'warn', 'error']) {
        window.console[k] = iframe.contentWindow.console[k].bind(window.console);
      }
    }
    iframe.remove();
  };
  if (document.documentElement) attach();
  else document.addEventListener('DOMContentLoaded', attach, { once: true });
})();`

const processJS = `
(() => {
  if (typeof window.process !== 'undefined') {
    try { delete window.process; } catch (e) {}
    Object.defineProperty(window, 'process', {
      get: () => undefined,
      configurable: true,
    });
  }
})();`

const chromeRuntimeJS = `
(() => {
  window.chrome = window.chrome || {};
  window.chrome.runtime = window.chrome.runtime || {};
  window.chrome.loadTimes = function () {
    return {
      requestTime: Date.now() / 1000 - Math.random(),
      startLoadTime: Date.now() / 1000 - Math.random(),
      commitLoadTime: Date.now() / 1000 - Math.random(),
      finishDocumentLoadTime: Date.now() / 1000,
      finishLoadTime: Date.now() / 1000,
      navigationType: 'Other',
      wasFetchedViaSpdy: false,
      wasNpnNegotiated: true,
      npnNegotiatedProtocol: 'h2',
      connectionInfo: 'h2',
    };
  };
  window.chrome.csi = function () {
    return {
      onloadT: Date.now(),
      startE: Date.now() - Math.floor(Math.random() * 1000),
      pageT: Math.random() * 1000,
      tran: 15,
    };
  };
})();`

const permissionsJS = `
(() => {
  if (!navigator.permissions || !navigator.permissions.query) return;
  const original = navigator.permissions.query.bind(navigator.permissions);
  navigator.permissions.query = (params) =>
    params && params.name === 'notifications'
      ? Promise.resolve({ state: 'granted', onchange: null })
      : original(params);
})();`

// pluginsJS needs the plugin name list from the active fingerprint.
const pluginsJSTemplate = `
(() => {
  const names = __PLUGIN_NAMES__;
  const plugins = names.map((name, i) => ({
    name: name,
    filename: name.toLowerCase().replace(/ /g, '-') + '.plugin',
    description: 'Portable Document Format',
    length: 1,
    item: () => null,
    namedItem: () => null,
  }));
  plugins.item = (i) => plugins[i] || null;
  plugins.namedItem = (name) => plugins.find((p) => p.name === name) || null;
  plugins.refresh = () => {};
  Object.defineProperty(navigator, 'plugins', {
    get: () => plugins,
    configurable: true,
  });
})();`

// Script assembles the init script for the configured property sets
// and the active fingerprint. The fingerprint may be nil; plugin
// population then uses the fallback profile's list.
func Script(cfg Config, fp *fingerprint.Fingerprint) string {
	var parts []string
	if cfg.Webdriver {
		parts = append(parts, webdriverJS)
	}
	if cfg.PlaywrightIndicators {
		parts = append(parts, consoleJS)
	}
	if cfg.Process {
		parts = append(parts, processJS)
	}
	if cfg.Plugins {
		if fp == nil {
			fp = fingerprint.Fallback()
		}
		names, _ := json.Marshal(fp.Plugins)
		parts = append(parts, strings.Replace(pluginsJSTemplate, "__PLUGIN_NAMES__", string(names), 1))
	}
	if cfg.ChromeRuntime {
		parts = append(parts, chromeRuntimeJS)
	}
	if cfg.Permissions {
		parts = append(parts, permissionsJS)
	}
	return strings.Join(parts, "\n")
}
