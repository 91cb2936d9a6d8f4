package config

import "github.com/zaproxy/release-sync/internal/targets"

var Targets = targets.Settings{
	SourceRepo: "zaproxy/zap-admin",
	MainRepo:   "zaproxy/zaproxy",
	Website: targets.Repository{
		Repo:   "zaproxy/zaproxy-website",
		Base:   "main",
		Branch: "update-data",
	},
	Flathub: targets.Repository{
		Repo:   "flathub/org.zaproxy.ZAP",
		Base:   "master",
		Branch: "update-main-release",
	},
	MgmtScripts: targets.Repository{
		Repo:   "zaproxy/zap-mgmt-scripts",
		Base:   "master",
		Branch: "update-main-release",
	},
	Admin: targets.Repository{
		Repo:   "zaproxy/zap-admin",
		Base:   "master",
		Branch: "release-add-ons",
	},
	Announcement: targets.Announcement{
		Repo:             "zaproxy/zaproxy",
		EventType:        "main-release",
		NightlyEventType: "nightly-release",
	},
	WebsiteData: targets.WebsiteData{
		MainReleaseFile:   "site/data/download/main.yaml",
		WeeklyReleaseFile: "site/data/download/weekly.yaml",
		AddOnsFile:        "site/data/addons.yaml",
		VersionFiles: []string{
			"site/data/zap-version.yaml",
			"site/content/download.md",
			"site/content/docs/docker/about.md",
		},
		URL:              "https://www.zaproxy.org/",
		GeneratedComment: "# This file is automatically generated by zap-admin, do not edit.",
	},
}
