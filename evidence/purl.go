package evidence

import (
	"context"
	"strings"

	"github.com/package-url/packageurl-go"
	"golang.org/x/xerrors"
)

const purlSource = "purl"

// FromPackageURL adds vendor, product and version evidence derived from a package URL.
// Without a namespace the package name doubles as vendor at one level lower confidence.
func FromPackageURL(a *Artifact, source, purl string, confidence Confidence) error {
	p, err := packageurl.FromString(purl)
	if err != nil {
		return xerrors.Errorf("unable to parse package url %q: %w", purl, err)
	}
	if p.Name == "" {
		return xerrors.Errorf("package url %q has no name", purl)
	}

	if ns := strings.TrimPrefix(p.Namespace, "@"); ns != "" {
		if err = a.AddEvidence(Vendor, source, "namespace", ns, confidence); err != nil {
			return err
		}
	} else {
		weaker := confidence
		if weaker > Low {
			weaker--
		}
		if err = a.AddEvidence(Vendor, source, "name", p.Name, weaker); err != nil {
			return err
		}
	}

	if err = a.AddEvidence(Product, source, "name", p.Name, confidence); err != nil {
		return err
	}
	if p.Version != "" {
		if err = a.AddEvidence(Version, source, "version", p.Version, confidence); err != nil {
			return err
		}
	}
	return nil
}

// PackageURLExtractor turns artifacts whose path is a package URL into evidence.
type PackageURLExtractor struct {
	Confidence Confidence
}

func (PackageURLExtractor) Accepts(path string) bool {
	return strings.HasPrefix(path, "pkg:")
}

func (e PackageURLExtractor) Extract(_ context.Context, a *Artifact) error {
	conf := e.Confidence
	if !conf.Valid() {
		conf = High
	}
	return FromPackageURL(a, purlSource, a.Path, conf)
}
