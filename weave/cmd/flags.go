package cmd

import (
	"errors"
	"flag"
	"strconv"
	"strings"

	"github.com/PatchLens/il-weave/weave"
)

// CustomFlag defines a custom CLI option.
type CustomFlag struct {
	Name         string
	DefaultValue any
	Usage        string
	Type         string // "string", "int", "bool"
}

// listFlag collects a repeatable flag, each value may also hold a comma separated list.
type listFlag []string

func (l *listFlag) String() string {
	return strings.Join(*l, ",")
}

func (l *listFlag) Set(value string) error {
	for _, v := range strings.Split(value, ",") {
		if v = strings.TrimSpace(v); v != "" {
			*l = append(*l, v)
		}
	}
	return nil
}

// ParseFlags builds Config from standard and custom flags.
func ParseFlags(customFlags []CustomFlag) (*weave.Config, error) {
	config := &weave.Config{CustomFlags: make(map[string]string)}

	// Define all standard flags
	inputFlag := flag.String("in", "", "Module container, or directory of .ilz containers, to rewrite (comma separated)")
	outputDir := flag.String("out", "", "Directory to write rewritten modules, inputs are replaced when empty")
	reportJsonFile := flag.String("json", "weavereport.json", "File to output rewrite details")
	reportChartsFile := flag.String("charts", "weavereport.png", "File to output rewrite overview chart image")
	disableFlag := flag.String("disable", "", "Stages to disable (comma separated): strip, census, redirect, nops")
	stripFlag := flag.String("strip", "", "Types or Type::Member names to remove (comma separated)")
	var redirectFlags, propertyFlags listFlag
	flag.Var(&redirectFlags, "redirect", "Call redirect in the form Type::Method=Type::Method, may be repeated")
	flag.Var(&propertyFlags, "prop", "Module property in the form key=value, may be repeated")
	receiverFlag := flag.String("receiver", "", "Static Type::field loaded as the instance of redirected calls")
	guardFlag := flag.String("guard", "", "Static Type::field that must be true for redirected call groups to run")
	stripNops := flag.Bool("nops", false, "Remove nop padding from method bodies")
	journalDir := flag.String("journal", "", "Directory to keep the body journal in, kept in memory when empty")
	cacheMB := flag.Int("cachemb", 200, "Cache memory budget in MB")
	includeDiffs := flag.Bool("diff", true, "Include disassembly diffs of changed methods in the JSON report")

	// Define custom flags
	customPtrs := make(map[string]interface{})
	for _, cf := range customFlags {
		switch cf.Type {
		case "string":
			customPtrs[cf.Name] = flag.String(cf.Name, cf.DefaultValue.(string), cf.Usage)
		case "int":
			customPtrs[cf.Name] = flag.Int(cf.Name, cf.DefaultValue.(int), cf.Usage)
		case "bool":
			customPtrs[cf.Name] = flag.Bool(cf.Name, cf.DefaultValue.(bool), cf.Usage)
		}
	}

	flag.Parse()

	// Validate standard flags
	if *inputFlag == "" {
		return nil, errors.New("usage: -in module.ilz -redirect Ns.Type::Method=Ns.Other::Method [-out dir]\n" +
			"directory usage: -in ./modules -out ./rewritten -strip Ns.Type::Member")
	}

	// Populate config
	config.InputFlag = *inputFlag
	config.OutputDir = *outputDir
	config.ReportJsonFile = *reportJsonFile
	config.ReportChartsFile = *reportChartsFile
	config.DisableFlag = *disableFlag
	config.StripFlag = *stripFlag
	config.RedirectFlags = redirectFlags
	config.PropertyFlags = propertyFlags
	config.ReceiverFlag = *receiverFlag
	config.GuardFlag = *guardFlag
	config.StripNops = *stripNops
	config.JournalDir = *journalDir
	config.CacheMB = *cacheMB
	config.IncludeDiffs = *includeDiffs

	// Populate custom flags - convert all to strings for ease of use
	for name, ptr := range customPtrs {
		switch v := ptr.(type) {
		case *string:
			config.CustomFlags[name] = *v
		case *int:
			config.CustomFlags[name] = strconv.Itoa(*v)
		case *bool:
			config.CustomFlags[name] = strconv.FormatBool(*v)
		}
	}

	return config, nil
}
