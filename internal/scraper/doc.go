// Package scraper defines the domain types shared by the multi-group extraction subsystems.
package scraper
