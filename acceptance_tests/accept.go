package main

/* accept runs acceptance checks against a running owsd: every service
   of the configuration must answer GetCapabilities with a capabilities
   document, and an optional list of calls is replayed concurrently,
   each of them having to succeed. */

import (
	"bufio"
	"encoding/xml"
	"flag"
	"fmt"
	"io"
	"io/ioutil"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/nci/owsd/utils"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh/terminal"
)

var log = logrus.WithField("component", "accept")

var passed = "Passed"
var failed = "Failed"

var client = &http.Client{Timeout: 60 * time.Second}

// Capabilities checks that service answers GetCapabilities with a
// Capabilities document of that service.
func Capabilities(baseURL, service, version string) error {
	query := url.Values{"service": {strings.ToUpper(service)}, "request": {"GetCapabilities"}}
	if version != "" {
		query.Set("version", version)
	}
	resp, err := client.Get(baseURL + "?" + query.Encode())
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d", resp.StatusCode)
	}

	var root struct {
		XMLName xml.Name
		Service string `xml:"service,attr"`
		Version string `xml:"version,attr"`
	}
	if err := xml.NewDecoder(resp.Body).Decode(&root); err != nil {
		return fmt.Errorf("not an XML document: %v", err)
	}
	if root.XMLName.Local != "Capabilities" {
		return fmt.Errorf("unexpected document %s", root.XMLName.Local)
	}
	if !strings.EqualFold(root.Service, service) {
		return fmt.Errorf("capabilities of %s instead of %s", root.Service, service)
	}
	if version != "" && root.Version != version {
		return fmt.Errorf("version %s instead of %s", root.Version, version)
	}
	return nil
}

// Replay sends the calls listed in r, one path and query per line
// relative to baseURL, concLevel at a time. It fails when any of them is
// not answered with 200.
func Replay(baseURL string, r io.Reader, concLevel int) (int, time.Duration, error) {
	start := time.Now()
	conc := utils.NewConcLimiter(concLevel)

	var (
		mu       sync.Mutex
		firstErr error
		count    int
	)
	fail := func(err error) {
		mu.Lock()
		if firstErr == nil {
			firstErr = err
		}
		mu.Unlock()
	}

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		count++
		conc.Increase()
		go func(target string) {
			defer conc.Decrease()
			resp, err := client.Get(target)
			if err != nil {
				fail(err)
				return
			}
			io.Copy(ioutil.Discard, resp.Body)
			resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				fail(fmt.Errorf("%s: status %d", target, resp.StatusCode))
			}
		}(strings.TrimSuffix(baseURL, "/") + "/" + strings.TrimPrefix(line, "/"))
	}
	conc.Wait()

	if err := scanner.Err(); err != nil {
		return count, time.Since(start), err
	}
	return count, time.Since(start), firstErr
}

func inRed(str string) string {
	return fmt.Sprintf("\x1b[31;1m%s\x1b[0m", str)
}

func inGreen(str string) string {
	return fmt.Sprintf("\x1b[32;1m%s\x1b[0m", str)
}

func main() {
	host := flag.String("h", "localhost:8080", "OWS host name or address")
	confFile := flag.String("conf", "", "owsd config file listing the services to check")
	services := flag.String("s", "wms", "Comma separated services to check when no config is given")
	urlList := flag.String("urls", "", "File of calls to replay")
	conc := flag.Int("n", 6, "Concurrency level for acceptance tests")
	flag.Parse()

	if terminal.IsTerminal(int(os.Stdout.Fd())) {
		passed = inGreen(passed)
		failed = inRed(failed)
	}

	type check struct{ id, version string }
	var checks []check
	contextPath := "/"
	if *confFile != "" {
		config, err := utils.LoadConfigFile(*confFile)
		if err != nil {
			log.Fatalf("%v", err)
		}
		for _, s := range config.Services {
			checks = append(checks, check{s.ID, s.Version})
		}
		contextPath = config.Dispatcher.ContextPath
	} else {
		for _, s := range strings.Split(*services, ",") {
			checks = append(checks, check{strings.TrimSpace(s), ""})
		}
	}
	baseURL := fmt.Sprintf("http://%s%s", *host, strings.TrimSuffix(contextPath, "/")+"/ows")

	for _, c := range checks {
		fmt.Printf("Testing %s %s GetCapabilities: ", strings.ToUpper(c.id), c.version)
		if err := Capabilities(baseURL, c.id, c.version); err != nil {
			fmt.Println(failed, err)
			os.Exit(1)
		}
		fmt.Println(passed)
	}

	if *urlList != "" {
		f, err := os.Open(*urlList)
		if err != nil {
			log.Fatalf("%v", err)
		}
		defer f.Close()

		fmt.Printf("Replaying %s: ", *urlList)
		n, t, err := Replay(fmt.Sprintf("http://%s", *host), f, *conc)
		if err != nil {
			fmt.Println(failed, err)
			os.Exit(1)
		}
		fmt.Println(passed, n, "requests", t)
	}
}
