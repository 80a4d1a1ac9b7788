package report

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Options control how a Parser normalizes report files. They are
// resolved once per ingestion run, not per file.
type Options struct {
	// ExtractGeneratedNames splits generator-produced suite names of the
	// form "Fully.Qualified.Name (stableid)" into a display name and an
	// external id instead of keeping the raw generated name.
	ExtractGeneratedNames bool

	// SynthesizeFolders materializes nested suites as a folder hierarchy
	// mirroring the nesting. When disabled, nested suites are flattened
	// with no folder information.
	SynthesizeFolders bool
}

// Parser translates raw report bytes into a canonical Result. It is
// stateless and safe for concurrent use.
type Parser struct {
	opts Options
}

// NewParser creates a Parser with the given options.
func NewParser(opts Options) *Parser {
	return &Parser{opts: opts}
}

// generatedName matches suite names emitted by report generators that
// append a stable hex identifier in parentheses.
var generatedName = regexp.MustCompile(`^(.*\S)\s+\(([0-9a-fA-F]{8,})\)$`)

// xmlSuites is the optional <testsuites> document root.
type xmlSuites struct {
	XMLName xml.Name   `xml:"testsuites"`
	Suites  []xmlSuite `xml:"testsuite"`
}

// xmlSuite is a <testsuite> element. Suites may nest.
type xmlSuite struct {
	Name   string     `xml:"name,attr"`
	Time   string     `xml:"time,attr"`
	Suites []xmlSuite `xml:"testsuite"`
	Cases  []xmlCase  `xml:"testcase"`
}

type xmlCase struct {
	Name       string         `xml:"name,attr"`
	ClassName  string         `xml:"classname,attr"`
	Time       string         `xml:"time,attr"`
	Failure    *xmlResultTag  `xml:"failure"`
	Error      *xmlResultTag  `xml:"error"`
	Skipped    *xmlResultTag  `xml:"skipped"`
	Properties *xmlProperties `xml:"properties"`
}

type xmlResultTag struct {
	Message string `xml:"message,attr"`
	Body    string `xml:",chardata"`
}

type xmlProperties struct {
	Properties []xmlProperty `xml:"property"`
}

type xmlProperty struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value,attr"`
}

// Parse translates one report file into a canonical Result. A file that
// fails structural validation yields a *ParseError; the caller decides
// whether that is fatal.
func (p *Parser) Parse(data []byte) (*Result, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, &ParseError{Cause: "empty document"}
	}

	suites, err := decodeDocument(data)
	if err != nil {
		return nil, &ParseError{Cause: err.Error()}
	}

	result := &Result{Suites: make([]Suite, 0, len(suites))}

	for i := range suites {
		if err := p.appendSuite(result, &suites[i], nil); err != nil {
			return nil, err
		}
	}

	return result, nil
}

// decodeDocument accepts either a <testsuites> root or a bare
// <testsuite> root and returns the top-level suite elements.
func decodeDocument(data []byte) ([]xmlSuite, error) {
	var root xmlSuites
	if err := xml.Unmarshal(data, &root); err == nil {
		return root.Suites, nil
	}

	var single xmlSuite
	if err := xml.Unmarshal(data, &single); err != nil {
		return nil, fmt.Errorf("not a recognized suite document: %w", err)
	}

	if single.Name == "" && len(single.Cases) == 0 && len(single.Suites) == 0 {
		return nil, fmt.Errorf("document contains no suites")
	}

	return []xmlSuite{single}, nil
}

// appendSuite flattens one suite element (and its nested suites) into
// the result, applying name extraction and folder synthesis.
func (p *Parser) appendSuite(result *Result, src *xmlSuite, folders []string) error {
	if src.Name == "" {
		return &ParseError{Cause: "suite element has no name attribute"}
	}

	name := src.Name
	externalID := ""

	if p.opts.ExtractGeneratedNames {
		if m := generatedName.FindStringSubmatch(src.Name); m != nil {
			name = m[1]
			externalID = m[2]
		}
	}

	suite := Suite{
		Name:       name,
		ExternalID: externalID,
		Cases:      make([]Case, 0, len(src.Cases)),
	}

	if p.opts.SynthesizeFolders && len(folders) > 0 {
		suite.FolderPath = append([]string(nil), folders...)
	}

	for i := range src.Cases {
		c, err := convertCase(&src.Cases[i])
		if err != nil {
			return err
		}

		suite.Cases = append(suite.Cases, c)
	}

	result.Suites = append(result.Suites, suite)

	// Nested suites extend the folder path only when synthesis is on;
	// otherwise they are flattened as siblings.
	childFolders := folders
	if p.opts.SynthesizeFolders {
		childFolders = append(append([]string(nil), folders...), name)
	}

	for i := range src.Suites {
		if err := p.appendSuite(result, &src.Suites[i], childFolders); err != nil {
			return err
		}
	}

	return nil
}

func convertCase(src *xmlCase) (Case, error) {
	if src.Name == "" {
		return Case{}, &ParseError{Cause: "testcase element has no name attribute"}
	}

	c := Case{
		Name:      src.Name,
		ClassName: src.ClassName,
		Outcome:   OutcomePassed,
	}

	if src.Time != "" {
		secs, err := strconv.ParseFloat(src.Time, 64)
		if err != nil {
			return Case{}, &ParseError{
				Cause: fmt.Sprintf("testcase %q: invalid time attribute %q", src.Name, src.Time),
			}
		}

		c.Duration = time.Duration(secs * float64(time.Second))
	}

	switch {
	case src.Error != nil:
		c.Outcome = OutcomeError
		c.Message = resultMessage(src.Error)
	case src.Failure != nil:
		c.Outcome = OutcomeFailed
		c.Message = resultMessage(src.Failure)
	case src.Skipped != nil:
		c.Outcome = OutcomeSkipped
		c.Message = resultMessage(src.Skipped)
	}

	if src.Properties != nil {
		for _, prop := range src.Properties.Properties {
			value, err := strconv.ParseFloat(prop.Value, 64)
			if err != nil {
				// Non-numeric properties are not measurements.
				continue
			}

			name, unit := splitMetricName(prop.Name)
			c.Metrics = append(c.Metrics, Metric{
				Name:  name,
				Unit:  unit,
				Value: value,
			})
		}
	}

	return c, nil
}

func resultMessage(tag *xmlResultTag) string {
	if tag.Message != "" {
		return tag.Message
	}

	return strings.TrimSpace(tag.Body)
}

// splitMetricName separates an optional bracketed unit suffix from a
// property name, e.g. "allocated[kb]" -> ("allocated", "kb").
func splitMetricName(name string) (string, string) {
	open := strings.LastIndex(name, "[")
	if open <= 0 || !strings.HasSuffix(name, "]") {
		return name, ""
	}

	return name[:open], name[open+1 : len(name)-1]
}
