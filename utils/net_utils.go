package utils

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/AdguardTeam/golibs/log"
)

// DownloadFromUrl fetches url and writes it to opFilePath, or to a file
// derived from the url's last path segment if opFilePath is omitted.
func DownloadFromUrl(url string, opFilePath ...string) error {

	filePath := ""

	if len(opFilePath) > 0 {
		filePath = opFilePath[0]
	} else {
		tokens := strings.Split(url, "/")
		filePath = tokens[len(tokens)-1]
		if !strings.HasSuffix(filePath, ".txt") {
			filePath += ".txt"
		}
	}

	output, err := os.Create(filePath)
	if err != nil {
		log.Error("error while creating %s: %v", filePath, err)
		return err
	}
	defer func(output *os.File) {
		if cerr := output.Close(); cerr != nil {
			log.Error("error while closing output file %s: %v", filePath, cerr)
		}
	}(output)

	response, err := http.Get(url)
	if err != nil {
		log.Error("error while downloading %s: %v", url, err)
		return err
	}
	defer func(Body io.ReadCloser) {
		if cerr := Body.Close(); cerr != nil {
			log.Error("error while closing response body for %s: %v", url, cerr)
		}
	}(response.Body)

	if response.StatusCode != http.StatusOK {
		log.Error("bad status: %s", response.Status)
		return fmt.Errorf("bad status downloading %s: %s", url, response.Status)
	}

	_, err = io.Copy(output, response.Body)
	if err != nil {
		log.Error("error while downloading %s: %v", url, err)
		return err
	}

	return nil
}

// CheckRemoteFileExists sends a HEAD request to fileUrl and reports whether
// it responded 200 OK.
func CheckRemoteFileExists(fileUrl string) bool {
	resp, err := http.Head(fileUrl)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}
